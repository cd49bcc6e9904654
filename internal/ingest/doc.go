// Package ingest turns finished uploads into transcoding work.
//
// Overview
//
// Every accepted video reaches the transcoder through the same three steps:
//
//   1. Assembly
//      - Chunked uploads are finalized by the upload.Assembler, which
//        concatenates the chunks into sources/<jobId>/<filename>.
//      - Single-shot uploads are streamed straight to the same key.
//
//   2. Record
//      - A PENDING job record is created with the source checksum.
//
//   3. Handoff
//      - The job is pushed onto the configured queue.Queue.
//
// Failure Semantics
//
// A job that cannot be queued is recorded as FAILED so that pollers see a
// terminal status instead of a job that stays PENDING forever. The record
// never moves backwards; the client must upload again.
//
// Health
//
// HealthChecks runs the registered Probes (Redis, Postgres, the queue
// broker) and reports one HealthStatus per dependency.
package ingest
