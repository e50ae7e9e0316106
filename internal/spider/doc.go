// Package spider defines the domain types shared by the orchestrator
// subsystems: persisted spider definitions and records, crawl requests,
// the execution-engine contract and the persistence contract.
package spider
