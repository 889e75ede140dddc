package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keepsake-labs/keepsake/config"
)

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 1,
		},
		{
			name:  "http only",
			modes: []config.ServiceMode{config.ServiceModeHTTP},
			want:  2,
		},
		{
			name:  "http and worker",
			modes: []config.ServiceMode{config.ServiceModeHTTP, config.ServiceModeWorker},
			want:  3,
		},
		{
			name: "all services enabled",
			modes: []config.ServiceMode{
				config.ServiceModeHTTP,
				config.ServiceModeWorker,
				config.ServiceModeSweeper,
			},
			want: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			assert.Equal(t, tt.want, errorChannelBufferSize(enabled))
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "http,sweeper"}
	names := GetEnabledServices(cfg)
	assert.ElementsMatch(t, []string{"http", "sweeper"}, names)

	assert.Empty(t, GetEnabledServices(nil))
	assert.Empty(t, GetEnabledServices(&config.AppConfig{Services: "bogus"}))
}

func TestValidateServiceConfig(t *testing.T) {
	assert.Error(t, ValidateServiceConfig(nil))
	assert.Error(t, ValidateServiceConfig(&config.AppConfig{Services: "bogus"}))
	assert.NoError(t, ValidateServiceConfig(&config.AppConfig{Services: "http,worker,sweeper"}))
}
