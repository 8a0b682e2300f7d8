// Package taskstream orchestrates LLM-driven work on behalf of a workflow
// engine.
//
// Two execution styles are supported:
//
//   - agent runs: a multi-turn, tool-using conversation whose text deltas and
//     tool calls are streamed to the client connected for the session
//   - background tasks: a single long-running provider task that is submitted,
//     tracked by queue workers with periodic status checks, and reconciled
//     after a restart
//
// Every run is an agent session persisted through a pluggable backend
// (memory, afs or redis). Embedding applications use the Service facade:
//
//	srv, _ := taskstream.New(ctx, taskstream.WithConfig(cfg))
//	rt := srv.Runtime()
//	_ = rt.Start(ctx)
//	aSession, _ := rt.StartAgentRun(ctx, "wf", "research", inputs)
//	submission, _ := rt.SubmitTask(ctx, "wf", "report", inputs)
//	done, _ := rt.AwaitTask(ctx, submission.Session.ID)
package taskstream

// Version is the module release
const Version = "0.1.0"
