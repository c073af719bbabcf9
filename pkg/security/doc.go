/*
Package security evaluates declarative container policies and maintains
per-container risk profiles.

# Policies

Policies are YAML documents of rules; each rule is a conjunction of field
comparisons over a container's attribute view, paired with an ordered action
list:

	id: baseline
	name: Baseline container policy
	rules:
	  - id: no-privileged
	    description: privileged containers are forbidden
	    severity: critical
	    conditions:
	      - field: privileged
	        operator: equals
	        value: true
	    actions: [alert, quarantine]

Eleven operators are supported: equals, not_equals, contains, not_contains,
starts_with, ends_with, matches (regular expression, compiled at load time),
greater_than, less_than, in, and not_in. Conditions against missing
attributes never match.

Rules additionally carry a type and category for classification, a target
(only "container" is evaluated today), an enabled flag, and a priority.
Evaluation is deterministic: enabled rules from every loaded policy run in
ascending priority order, ties broken by policy id and declaration order, so
identical inputs always match identically. Matched rules record violations
through the store, which deduplicates re-detections of still-open violations
per rule and container.

# Enforcement levels

Actions are gated by an enforcement level, either the configured global one
or a per-rule mode override. Permissive only logs, detection adds
violations, alerts, and scan requests, enforcement adds containment
(quarantine, isolate, terminate), and blocking additionally refuses
admission. A block action ends its rule's action list.

# Risk scoring

Risk scores weigh open violations (ten points each), scan findings (twenty
per critical, ten per high, five per medium), and the runtime posture: fifty
points for privilege, twenty for running as root, ten for a writable root
filesystem, capped at 100. A score of 80, or any open critical violation,
reports CRITICAL; 50, or any open high violation, reports WARNING; anything
below is SECURE.
*/
package security
