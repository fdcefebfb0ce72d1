package gitexec

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TokenFileEnv names the variable the credential helper reads the token path from.
const TokenFileEnv = "SIMPLEAIDE_GIT_TOKEN_FILE"

// Name prefixes of the ephemeral files. A process killed before release can
// leave them behind; cleanup recognizes them by these prefixes.
const (
	TokenFilePrefix  = "simpleaide-token-"
	HelperFilePrefix = "simpleaide-credential-"
)

const credentialHelperScript = `#!/bin/sh
test "$1" = get || exit 0
echo username=x-access-token
printf 'password=%s\n' "$(cat "$` + TokenFileEnv + `")"
`

// credentials is an ephemeral token file and helper script pair.
type credentials struct {
	tokenPath  string
	helperPath string
}

// acquireCredentials writes token and a helper script into dir under random
// names. The caller must call release on every exit path; release is safe to
// call on a partially acquired value.
func acquireCredentials(dir, token string) (*credentials, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	id := uuid.NewString()
	c := &credentials{
		tokenPath:  filepath.Join(dir, TokenFilePrefix+id),
		helperPath: filepath.Join(dir, HelperFilePrefix+id+".sh"),
	}

	if err := writeExclusive(c.tokenPath, []byte(token), 0600); err != nil {
		c.release()
		return nil, fmt.Errorf("failed to write token file: %w", err)
	}
	if err := writeExclusive(c.helperPath, []byte(credentialHelperScript), 0700); err != nil {
		c.release()
		return nil, fmt.Errorf("failed to write credential helper: %w", err)
	}
	return c, nil
}

// env returns the variables that make git use the helper. The inherited
// credential.helper list is reset first so no other helper sees the request.
func (c *credentials) env() []string {
	return []string{
		TokenFileEnv + "=" + c.tokenPath,
		"GIT_CONFIG_COUNT=2",
		"GIT_CONFIG_KEY_0=credential.helper",
		"GIT_CONFIG_VALUE_0=",
		"GIT_CONFIG_KEY_1=credential.helper",
		"GIT_CONFIG_VALUE_1=" + c.helperPath,
	}
}

func (c *credentials) release() {
	if c == nil {
		return
	}
	_ = os.Remove(c.tokenPath)
	_ = os.Remove(c.helperPath)
}

// writeExclusive creates path with perm, failing if it already exists.
func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
