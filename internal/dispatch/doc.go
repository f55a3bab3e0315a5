// Package dispatch is the render-send-record pipeline.
//
// The dispatcher renders exactly the parts the target channel
// declares, invokes the channel once, and appends one history record
// per attempt. The async variant ships a flat job descriptor through
// the task engine and re-resolves entities and recipients by id
// inside the job.
package dispatch
