// Package harness runs state resolution scenarios against a real engine.
//
// Each scenario gets a fresh in-memory store. PDUs marked remote are held by
// an in-memory federation and only reach the store through backfill.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: backfill_then_length
//	description: "A longer branch wins once its gap is backfilled"
//	server_name: local.example
//	pdus:
//	  - id: root
//	    origin: a.example
//	  - id: mid
//	    origin: b.example
//	    prev: root@a.example
//	    remote: true
//	current:
//	  - cur@a.example
//	power_levels:
//	  - user: "@admin:a.example"
//	    level: 100
//	steps:
//	  - evaluate: tip@b.example
//	    expect:
//	      accepted: true
//	      stage: length
//	assertions:
//	  - type: current
//	    pdu: tip@b.example
//	  - type: backfills
//	    count: 1
//
// PDUs default to the "name" slot of room-1 with an empty state key, a
// depth one greater than their prev (or 1), and content {"name": id}.
// References use event id form, pdu_id@origin.
//
// # Assertion Types
//
//   - current: the slot's current PDU, or none when pdu is empty
//   - backfills: the number of ancestor fetches across the run
//   - outlier: whether a stored PDU is an outlier
//   - power_level: a user's effective power level in a room
//
// # Golden Files
//
// RunWithGolden compares the decision trace against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
