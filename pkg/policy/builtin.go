package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		artifactFormatPolicy(),
		artifactBucketPolicy(),
	}
}

// artifactFormatPolicy only admits zip deployment packages.
func artifactFormatPolicy() Policy {
	return Policy{
		Name:        "artifact-format",
		Description: "Deployment packages must be zip archives",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"artifact"},
		Rego: `package fnplane.admission.artifact_format

import rego.v1

deny contains msg if {
	not endswith(lower(input.artifact.key), ".zip")
	msg := sprintf("artifact key %s must end in .zip", [input.artifact.key])
}
`,
	}
}

// artifactBucketPolicy rejects bucket names object stores would refuse.
func artifactBucketPolicy() Policy {
	return Policy{
		Name:        "artifact-bucket",
		Description: "Artifact buckets must be valid S3 bucket names",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"artifact"},
		Rego: `package fnplane.admission.artifact_bucket

import rego.v1

deny contains msg if {
	not regex.match("^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$", input.artifact.bucket)
	msg := sprintf("artifact bucket %s is not a valid bucket name", [input.artifact.bucket])
}
`,
	}
}
