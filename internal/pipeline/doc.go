// Package pipeline drives pipeline instances through their steps.
//
// The Orchestrator runs each instance on its own goroutine: it acquires the
// resources a step declares, executes the step, hands the result to the
// quality gate and routes on the verdict. Escalations pause the instance
// through the human gateway and the goroutine exits; Resume starts a new
// one from the persisted state.
//
// # Step Contract
//
// HTTP steps receive the StepInput and must return a step result:
//
//	POST <step_url>
//	Content-Type: application/json
//
//	{
//	  "instance_id": "...",
//	  "step": "segmentation",
//	  "intent": "...",
//	  "attempt": 1,
//	  "config": { "resolution": 640, "prompt_mode": "center" },
//	  "inputs": { ... },
//	  "previous": { "<step>": { ... step result ... } },
//	  "guidance": "..."   // operator feedback, if any
//	}
//
// Response:
//
//	{
//	  "success": true | false,
//	  "payload": { ... },        // step specific, may carry "symptom"
//	  "error": "...",            // if not successful
//	  "artifact": "..."          // object key of the produced artifact
//	}
//
// # Resource Contract
//
// HTTP resources are loaded and unloaded with POST <resource_url>/load and
// POST <resource_url>/unload. After a release the ledger calls
// POST <resource_url>/reclaim so the service can return freed memory.
package pipeline
