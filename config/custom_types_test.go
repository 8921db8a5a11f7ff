/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestByteSize_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    ByteSize
		wantErr bool
	}{
		{name: "integer", yaml: "size: 1024", want: 1024},
		{name: "human-readable", yaml: "size: 10M", want: 10 * 1024 * 1024},
		{name: "k8s suffix", yaml: "size: 2Ki", want: 2048},
		{name: "invalid", yaml: "size: many", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst struct {
				Size ByteSize `yaml:"size"`
			}
			err := yaml.Unmarshal([]byte(tt.yaml), &dst)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, dst.Size)
		})
	}

	var bs ByteSize
	require.EqualError(t, json.Unmarshal([]byte(`-1`), &bs), "negative value is not allowed: -1")
	require.Equal(t, "1K", ByteSize(1024).String())
}

func TestTimeDuration_Unmarshal(t *testing.T) {
	var dst struct {
		IdleTimeout TimeDuration `yaml:"idleTimeout" json:"idleTimeout"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("idleTimeout: 1h30m"), &dst))
	require.Equal(t, TimeDuration(90*time.Minute), dst.IdleTimeout)

	require.NoError(t, json.Unmarshal([]byte(`{"idleTimeout": 1000000000}`), &dst))
	require.Equal(t, TimeDuration(time.Second), dst.IdleTimeout)

	require.Error(t, json.Unmarshal([]byte(`{"idleTimeout": "later"}`), &dst))

	data, err := json.Marshal(dst)
	require.NoError(t, err)
	require.JSONEq(t, `{"idleTimeout": "1s"}`, string(data))
}
