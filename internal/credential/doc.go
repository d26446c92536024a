// Package credential resolves registry credential references.
//
// Credentials live in a directory, one JSON file per reference, in the same
// shape as an entry of a Docker client configuration:
//
//	{"username": "ci", "password": "...", "serveraddress": "registry.example.com"}
//
// An "auth" field holding base64 "user:password" is accepted in place of the
// username and password. A [FileStore] hands out the host path of a
// credential for mounting into agent containers, and the decoded
// [Credential] for the registry publisher. Credentials are read-only values;
// they redact themselves when logged or formatted.
//
// Example usage:
//
//	store := credential.NewFileStore("/etc/pipelined/credentials")
//
//	cred, err := store.Resolve("registry")
//	if err != nil {
//	    return err
//	}
//	slog.Info("publishing", "credential", cred) // credential=[redacted]
package credential
