// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telebridge/topics"
)

func TestMapperIdentityPassthrough(t *testing.T) {
	m, err := topics.NewMapper(nil)
	require.NoError(t, err)

	assert.Equal(t, "vehicle/42/location", m.Map("vehicle/42/location"))
}

func TestMapperRules(t *testing.T) {
	m, err := topics.NewMapper([]topics.MapRule{
		{Filter: "vehicle/#", Prefix: "fleet", Separator: "."},
		{Filter: "sensor/+/temp", Separator: "."},
	})
	require.NoError(t, err)

	assert.Equal(t, "fleet.vehicle.42.location", m.Map("vehicle/42/location"))
	assert.Equal(t, "sensor.7.temp", m.Map("sensor/7/temp"))
	// No matching rule: unchanged.
	assert.Equal(t, "alert/fire", m.Map("alert/fire"))
}

func TestMapperFirstRuleWins(t *testing.T) {
	m, err := topics.NewMapper([]topics.MapRule{
		{Filter: "vehicle/#", Prefix: "a", Separator: "."},
		{Filter: "vehicle/42/#", Prefix: "b", Separator: "."},
	})
	require.NoError(t, err)

	assert.Equal(t, "a.vehicle.42.location", m.Map("vehicle/42/location"))
}

func TestMapperRejectsInvalidFilter(t *testing.T) {
	_, err := topics.NewMapper([]topics.MapRule{{Filter: "vehicle/#/x"}})
	require.Error(t, err)
}
