// Package policy provides Open Policy Agent (OPA) admission control for
// deployments.
//
// Every deployment request is evaluated against a set of Rego policies
// before any state is written. A policy is a Rego module that defines a
// deny set; each message in it is a violation. Violations of error or
// critical severity reject the request with engine.ErrPolicyDenied, while
// info and warning violations are only logged.
//
// # Input
//
// Policies see the following input document:
//
//	{
//	  "application": {"name": "orders", "state": "ACTIVE", "functionName": "orders-5f0c..."},
//	  "artifact":    {"bucket": "artifacts", "key": "orders/v2.zip"},
//	  "operation":   "update"
//	}
//
// # Writing policies
//
// Policies use Rego v1 syntax:
//
//	package fnplane.admission.naming
//
//	import rego.v1
//
//	deny contains msg if {
//	    startswith(input.application.name, "tmp-")
//	    input.operation == "create"
//	    msg := "temporary applications cannot be created"
//	}
//
// A deny entry may also be an object with "message" and "severity" fields,
// which overrides the policy's default severity for that entry.
//
// # Loading and reloading
//
// The engine starts with the built-in policies (zip artifacts, valid bucket
// names). Additional .rego and .json files are loaded with LoadPolicies, or
// with Watch, which also reloads them through fsnotify when files change. A
// reload that fails to compile keeps the previous policy set.
package policy
