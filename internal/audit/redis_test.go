package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/felixcheruiyot/zato/internal/wsx"
)

func TestContainerKey(t *testing.T) {
	tests := []struct {
		name      string
		direction string
		objectID  string
		expected  string
	}{
		{
			name:      "sent direction",
			direction: wsx.DataDirectionSent,
			objectID:  "ws.abc",
			expected:  "wsx:audit:sent:ws.abc",
		},
		{
			name:      "received direction",
			direction: wsx.DataDirectionReceived,
			objectID:  "ws.def",
			expected:  "wsx:audit:received:ws.def",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ContainerKey("wsx", tt.direction, tt.objectID))
		})
	}
}
