package commbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// MESSAGE CATEGORY TESTS
// =============================================================================

func TestMessageCategories(t *testing.T) {
	tests := []struct {
		msg      Message
		category MessageCategory
		typeName string
	}{
		{&TurnStarted{}, MessageCategoryEvent, "TurnStarted"},
		{&TurnCompleted{}, MessageCategoryEvent, "TurnCompleted"},
		{&NodeStarted{}, MessageCategoryEvent, "NodeStarted"},
		{&NodeCompleted{}, MessageCategoryEvent, "NodeCompleted"},
		{&StageAdvanced{}, MessageCategoryEvent, "StageAdvanced"},
		{&ActionExecuted{}, MessageCategoryEvent, "ActionExecuted"},
		{&ClearHistory{}, MessageCategoryCommand, "ClearHistory"},
		{&HealthCheckRequest{}, MessageCategoryQuery, "HealthCheckRequest"},
		{&GetRouteTable{}, MessageCategoryQuery, "GetRouteTable"},
	}
	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			assert.Equal(t, string(tt.category), tt.msg.Category())
			assert.Equal(t, tt.typeName, GetMessageType(tt.msg))
		})
	}
}

func TestQueriesImplementQuery(t *testing.T) {
	var _ Query = &HealthCheckRequest{}
	var _ Query = &GetRouteTable{}
}

func TestGetMessageTypeTyped(t *testing.T) {
	// Test self-named messages take precedence over the static switch.
	assert.Equal(t, "Custom", GetMessageType(&namedCommand{name: "Custom"}))
}
