// Package delivery turns writes to process documents in a change-notified document store
// into guaranteed, single-claim executions of a side-effecting action.
//
// Typical flow:
//  1. Application code creates a document; the store notifies the Machine, which writes the
//     initial delivery state (PENDING) onto the same document.
//  2. The PENDING update notification makes the Machine claim the job transactionally
//     (PROCESSING with a lease) and run the Deliverer in a detached goroutine.
//  3. The outcome (SUCCESS with result, or ERROR with message) is written back in a second
//     transaction. An operator may move ERROR to RETRY to run the job again.
//
// Backends live in subpackages: memstore (in-process), redisstore (WATCH/MULTI + PUBLISH) and
// mysql (row locks + a polled change log driven by Relay).
package delivery
