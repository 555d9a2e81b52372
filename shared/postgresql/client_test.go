package postgresql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name:   "url wins over discrete fields",
			config: Config{URL: "postgres://app:secret@db:5432/dealer?sslmode=require", Host: "ignored"},
			want:   "postgres://app:secret@db:5432/dealer?sslmode=require",
		},
		{
			name: "discrete fields",
			config: Config{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Password: "postgres",
				Database: "dealer",
				SSLMode:  "require",
			},
			want: "host=localhost port=5432 user=postgres password=postgres dbname=dealer sslmode=require",
		},
		{
			name:   "sslmode defaults to disable",
			config: Config{Host: "localhost", Port: 5432, User: "u", Password: "p", Database: "d"},
			want:   "host=localhost port=5432 user=u password=p dbname=d sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.DSN())
		})
	}
}
