package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "overwatch.telemetry.uav-7", TelemetryEntitySubject("uav-7"))
	assert.Equal(t, "overwatch.alerts.sitrep_alert", AlertKindSubject(KindSitrepAlert))
	assert.Equal(t, "overwatch.sync."+DefaultRoom, SyncRoomSubject(DefaultRoom))
}

func TestValidSubjectToken(t *testing.T) {
	for _, ok := range []string{"uav-7", DefaultRoom, "Viper_2"} {
		assert.True(t, ValidSubjectToken(ok), ok)
	}
	for _, bad := range []string{"", "a.b", "a b", "*", ">", "x\n"} {
		assert.False(t, ValidSubjectToken(bad), "%q", bad)
	}
}
