package ids_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/pkg/ids"
)

func TestParseDataTableId(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		id, err := ids.ParseDataTableId("snmp_ifTable")
		require.NoError(t, err)
		assert.Equal(t, ids.Protocol("snmp"), id.Protocol)
		assert.Equal(t, ids.ProtoDataTableId("ifTable"), id.Local)
		assert.Equal(t, "snmp_ifTable", id.String())
	})

	t.Run("missing underscore fails", func(t *testing.T) {
		_, err := ids.ParseDataTableId("snmpiftable")
		assert.Error(t, err)
	})

	t.Run("first underscore wins for local ids with underscores", func(t *testing.T) {
		id, err := ids.ParseDataTableId("snmp_if_table_64")
		require.NoError(t, err)
		assert.Equal(t, ids.Protocol("snmp"), id.Protocol)
		assert.Equal(t, ids.ProtoDataTableId("if_table_64"), id.Local)
	})
}

func TestDataFieldIdJSONRoundtrip(t *testing.T) {
	type wrapper struct {
		ID ids.DataFieldId `json:"id"`
	}

	in := wrapper{ID: ids.DataFieldId{Protocol: "wmi", Local: "Win32_PerfOS_Processor.Percent"}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"wmi_Win32_PerfOS_Processor.Percent"}`, string(b))

	var out wrapper
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestParseDataFieldIdMissingPrefix(t *testing.T) {
	_, err := ids.ParseDataFieldId("nofieldprefix")
	assert.Error(t, err)
}
