// Package authhelpers provides ready-made password verification
// routines applications can call from an ssssh.WithPasswordAuth
// callback: one against the system shadow file, one against a standalone
// bcrypt-hashed credentials file. Both are optional conveniences — the
// authentication state machine itself has no dependency on this package.
package authhelpers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/jameskeane/bcrypt"
	passlib "gopkg.in/hlandau/passlib.v1"
)

// dummySalt and dummyHash are checked against a lookup miss so that a
// failed login for a nonexistent user takes the same code path (and
// roughly the same time) as one for a real user with a wrong password,
// guarding against user-enumeration by timing.
const (
	dummySalt = "$2a$12$l0coBlRDNEJeQVl6GdEPbU"
	dummyHash = "$2a$12$l0coBlRDNEJeQVl6GdEPbUC/xmuOANvqgmrMVum6S4i.EXPgnTXy6"
)

// VerifyShadow checks a password against the local system's shadow
// file. Only Linux (/etc/shadow) and FreeBSD (/etc/master.passwd)
// layouts are recognized; other platforms always fail closed.
func VerifyShadow(username, password string) (bool, error) {
	var pwFileName string
	switch runtime.GOOS {
	case "linux":
		pwFileName = "/etc/shadow"
	case "freebsd":
		pwFileName = "/etc/master.passwd"
	default:
		return false, errors.New("authhelpers: unsupported platform for shadow auth")
	}

	data, err := os.ReadFile(pwFileName)
	if err != nil {
		return false, err
	}
	passlib.UseDefaults(passlib.Defaults20180601)

	var hash string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 2 && fields[0] == username {
			hash = fields[1]
			break
		}
	}
	if hash == "" {
		return false, nil
	}
	return passlib.VerifyNoUpgrade(password, hash) == nil, nil
}

// VerifyBcryptFile checks a password against a colon-delimited
// "username:salt:hash" credentials file. A username not found in the file still
// runs a full bcrypt comparison against a fixed dummy record, so lookup
// misses and wrong-password failures are indistinguishable to a timing
// observer.
func VerifyBcryptFile(path, username, password string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ':'
	r.Comment = '#'
	r.FieldsPerRecord = 3

	salt, wantHash := dummySalt, dummyHash
	matchedUser := false
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}
		if record[0] == username {
			salt, wantHash = record[1], record[2]
			matchedUser = true
			break
		}
	}

	got, err := bcrypt.Hash(password, salt)
	if err != nil {
		return false, err
	}
	if !matchedUser {
		return false, nil
	}
	return got == wantHash, nil
}
