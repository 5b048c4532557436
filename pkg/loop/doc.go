// Package loop drives the tool-call conversation cycle against a model
// client, a tool registry, and a memory store.
//
// One Run processes one new user message for one thread:
//
//	load prior conversation → append user message → send to model →
//	execute requested tool calls → append results → re-send →
//	... → plain assistant answer → save conversation
//
// The cycle is an explicit state machine with four states:
//
//	AwaitingModel --no tool calls--> Done
//	AwaitingModel --tool calls-----> ExecutingTools --> AwaitingModel
//	AwaitingModel --model error----> Failed
//	AwaitingModel --iteration cap--> Failed
//
// Tool faults never fail a run: the registry folds them into error-bearing
// tool results that are fed back to the model as the tool's answer. A run
// fails only on model transport errors, malformed input, timeout,
// cancellation, or the iteration ceiling; failures surface as a *Failure
// carrying a reason code.
//
// Runs on the same thread identifier are serialized; runs on different
// threads proceed concurrently.
package loop
