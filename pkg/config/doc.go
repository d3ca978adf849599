// Package config loads the fnplane process configuration.
//
// Configuration is layered. Default returns settings that run a single
// process against a local SQLite file with the in-memory event bus and the
// fake provisioner. Load reads a YAML file over those defaults and then
// applies FNPLANE_* environment variables, so a deployment can keep secrets
// out of the file:
//
//	server:
//	  address: ":8080"
//	database:
//	  driver: postgres
//	  url: postgres://fnplane@db/fnplane
//	events:
//	  driver: kafka
//	  kafka:
//	    brokers: ["kafka:9092"]
//	provisioner:
//	  driver: lambda
//	  lambda:
//	    roleARN: arn:aws:iam::123456789012:role/fnplane
//	poller:
//	  interval: 2s
//	  leaseTTL: 5m
//
// Durations are written as Go duration strings. Validate runs the
// validator struct tags and then the rules that span sections, such as a
// Kafka driver requiring brokers.
package config
