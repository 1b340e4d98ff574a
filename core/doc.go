// Package core defines the shared data model and collaborator contracts of
// the loom orchestration engine: orchestration definitions, execution
// records, transcript entries, the Agent Runtime interface and the
// persistence interfaces consumed by the supervisor and the topology
// executors. It contains no execution logic of its own.
package core
