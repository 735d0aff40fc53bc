// Package services provides the shared error taxonomy and context carriers
// used by stage executors and store adapters.
//
// Errors are tagged with sentinel markers (transient, permanent, validation,
// prerequisite missing, inconsistency) via Wrap so the orchestrator and the
// CLI can classify failures without inspecting message text.
package services
