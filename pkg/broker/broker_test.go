/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/mail-dispatch/pkg/config"
)

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()
	badCA := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(badCA, []byte("not a valid cert"), 0o600))

	tests := []struct {
		name    string
		cfg     config.KafkaTLS
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: config.KafkaTLS{}, wantNil: true},
		{name: "minimal TLS", cfg: config.KafkaTLS{Enabled: true}},
		{name: "with insecure skip verify", cfg: config.KafkaTLS{Enabled: true, InsecureSkipVerify: true}},
		{name: "missing CA file", cfg: config.KafkaTLS{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}, wantErr: true},
		{name: "invalid CA cert", cfg: config.KafkaTLS{Enabled: true, CAFile: badCA}, wantErr: true},
		{name: "invalid client cert pair", cfg: config.KafkaTLS{Enabled: true, CertFile: badCA, KeyFile: badCA}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tlsCfg, err := TLSConfig(tt.cfg)
			switch {
			case tt.wantErr:
				assert.Error(t, err)
				assert.Nil(t, tlsCfg)
			case tt.wantNil:
				assert.NoError(t, err)
				assert.Nil(t, tlsCfg)
			default:
				assert.NoError(t, err)
				require.NotNil(t, tlsCfg)
				assert.Equal(t, tt.cfg.InsecureSkipVerify, tlsCfg.InsecureSkipVerify)
			}
		})
	}
}

func TestSASLMechanism(t *testing.T) {
	t.Setenv("MD_TEST_KAFKA_PASSWORD", "pass")

	tests := []struct {
		name      string
		mechanism string
		wantNil   bool
		wantErr   bool
	}{
		{name: "disabled", wantNil: true},
		{name: "PLAIN", mechanism: "PLAIN"},
		{name: "lower case", mechanism: "plain"},
		{name: "SCRAM-SHA-256", mechanism: "SCRAM-SHA-256"},
		{name: "SCRAM-SHA-512", mechanism: "SCRAM-SHA-512"},
		{name: "unsupported mechanism", mechanism: "OAUTH", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := SASLMechanism(config.KafkaSASL{Mechanism: tt.mechanism, Username: "user", PasswordEnv: "MD_TEST_KAFKA_PASSWORD"})
			switch {
			case tt.wantErr:
				assert.Error(t, err)
				assert.Nil(t, m)
			case tt.wantNil:
				assert.NoError(t, err)
				assert.Nil(t, m)
			default:
				assert.NoError(t, err)
				assert.NotNil(t, m)
			}
		})
	}
}

func TestTransportAndDialer(t *testing.T) {
	cfg := config.Kafka{
		DialTimeout: 3 * time.Second,
		TLS:         config.KafkaTLS{Enabled: true},
		SASL:        config.KafkaSASL{Mechanism: "PLAIN", Username: "u"},
	}

	tr, err := Transport(cfg)
	require.NoError(t, err)
	assert.NotNil(t, tr.TLS)
	assert.NotNil(t, tr.SASL)
	assert.Equal(t, 3*time.Second, tr.DialTimeout)

	d, err := Dialer(cfg)
	require.NoError(t, err)
	assert.NotNil(t, d.TLS)
	assert.NotNil(t, d.SASLMechanism)
	assert.Equal(t, 3*time.Second, d.Timeout)

	cfg.SASL.Mechanism = "GSSAPI"
	_, err = Transport(cfg)
	assert.Error(t, err)
	_, err = Dialer(cfg)
	assert.Error(t, err)
}

func TestVerifyTopic_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d, err := Dialer(config.Kafka{DialTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = VerifyTopic(ctx, d, []string{addr}, "mail-events")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTopicNotFound)

	err = VerifyTopic(ctx, d, nil, "mail-events")
	assert.Error(t, err)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "cancelled"},
		{&net.DNSError{Err: "no such host", Name: "kafka"}, "dns"},
		{&net.OpError{Op: "dial", Err: timeoutErr{}}, "timeout"},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, "network"},
		{kafka.SASLAuthenticationFailed, "auth"},
		{kafka.TopicAuthorizationFailed, "authorization"},
		{fmt.Errorf("write: %w", kafka.UnknownTopicOrPartition), "topic"},
		{kafka.LeaderNotAvailable, "broker"},
		{errors.New("x509: certificate signed by unknown authority"), "tls"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "%v", tt.err)
	}
}
