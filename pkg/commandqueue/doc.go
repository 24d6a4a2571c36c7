// Package commandqueue runs tasks in named lanes.
//
// The model worker host keeps one lane per session id, so turns for a
// session never overlap while different sessions proceed in parallel.
// Within a lane tasks run one at a time in submission order. Each Submit
// yields exactly one Result, including when the task is cancelled, the
// lane is reset or the queue is closed.
package commandqueue
