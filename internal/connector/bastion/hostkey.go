package bastion

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy decides which host keys are trusted.
type HostKeyPolicy interface {
	// Callback returns the check applied to every presented host key.
	Callback(log *zap.Logger) ssh.HostKeyCallback
}

type acceptAndRecord struct{}

// AcceptAndRecord accepts any host key and logs its fingerprint so it can be
// audited or pinned later.
func AcceptAndRecord() HostKeyPolicy {
	return acceptAndRecord{}
}

func (acceptAndRecord) Callback(log *zap.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.Info("accepting host key",
			zap.String("hostname", hostname),
			zap.String("key_type", key.Type()),
			zap.String("fingerprint", ssh.FingerprintSHA256(key)))
		return nil
	}
}

type knownHosts struct {
	path  string
	check ssh.HostKeyCallback
}

// KnownHosts verifies host keys against an OpenSSH known_hosts file. Unknown
// and mismatched keys are rejected.
func KnownHosts(path string) (HostKeyPolicy, error) {
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", path, err)
	}
	return &knownHosts{path: path, check: check}, nil
}

func (k *knownHosts) Callback(log *zap.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := k.check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var kerr *knownhosts.KeyError
		if errors.As(err, &kerr) {
			reason := "host key mismatch"
			if len(kerr.Want) == 0 {
				reason = "unknown host key"
			}
			log.Warn(reason,
				zap.String("hostname", hostname),
				zap.String("fingerprint", ssh.FingerprintSHA256(key)),
				zap.String("known_hosts", k.path))
		}
		return err
	}
}
