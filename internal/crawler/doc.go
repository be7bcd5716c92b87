// Package crawler defines the domain model shared by the crawl orchestration
// engine: tasks, monitors, crawl results, classified errors, and the narrow
// collaborator interfaces (transport, persistence, notification) the engine
// consumes.
package crawler
