package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/shared"
)

var allMissionStatuses = []ontology.MissionStatus{
	ontology.MissionPlanned, ontology.MissionWarmUp, ontology.MissionActive,
	ontology.MissionCompleted, ontology.MissionAborted, ontology.MissionDebrief,
}

var allStepStatuses = []ontology.StepStatus{
	ontology.StepPlanned, ontology.StepActive, ontology.StepDone,
	ontology.StepSkipped, ontology.StepAltered,
}

// fakeGateway plays the system of record: it accepts whatever it is sent
// unless reject is set, and counts every call.
type fakeGateway struct {
	mission  ontology.Mission
	calls    int
	reject   string
	fail     error
	fetchErr error
	// inFlight runs during a transition call, before it returns
	inFlight func()
}

func (g *fakeGateway) refuse() error {
	if g.reject != "" {
		return &shared.TransitionError{Reason: g.reject, Remote: true}
	}
	return g.fail
}

func (g *fakeGateway) FetchMission(context.Context, string) (ontology.Mission, error) {
	g.calls++
	if g.fetchErr != nil {
		return ontology.Mission{}, g.fetchErr
	}
	m := g.mission
	m.Steps = append([]ontology.Step(nil), g.mission.Steps...)
	return m, nil
}

func (g *fakeGateway) TransitionMission(_ context.Context, _ string, to ontology.MissionStatus) error {
	g.calls++
	if g.inFlight != nil {
		g.inFlight()
	}
	if err := g.refuse(); err != nil {
		return err
	}
	g.mission.Status = to
	return nil
}

func (g *fakeGateway) UpdateSummary(_ context.Context, _ string, summary string) error {
	g.calls++
	g.mission.Summary = summary
	return g.fail
}

func (g *fakeGateway) AppendStep(_ context.Context, _ string, req ontology.CreateStepRequest) error {
	g.calls++
	g.mission.Steps = append(g.mission.Steps, ontology.Step{
		ID: req.Name, Name: req.Name, Type: req.Type, Status: ontology.StepPlanned,
		Order: len(g.mission.Steps) + 1,
	})
	return nil
}

func (g *fakeGateway) PatchStep(_ context.Context, _ string, stepID string, patch ontology.StepPatch) error {
	g.calls++
	if patch.Status != nil {
		if err := g.refuse(); err != nil {
			return err
		}
	}
	for i := range g.mission.Steps {
		s := &g.mission.Steps[i]
		if s.ID != stepID {
			continue
		}
		if patch.Status != nil {
			s.Status = *patch.Status
		}
		if patch.AssetID != nil {
			s.AssetID = *patch.AssetID
		}
		if patch.Order != nil {
			for j := range g.mission.Steps {
				if g.mission.Steps[j].Order == *patch.Order {
					g.mission.Steps[j].Order = s.Order
				}
			}
			s.Order = *patch.Order
		}
	}
	return nil
}

func (g *fakeGateway) DeleteStep(_ context.Context, _ string, stepID string) error {
	g.calls++
	var kept []ontology.Step
	for _, s := range g.mission.OrderedSteps() {
		if s.ID != stepID {
			s.Order = len(kept) + 1
			kept = append(kept, s)
		}
	}
	g.mission.Steps = kept
	return nil
}

func (g *fakeGateway) AttachAsset(_ context.Context, _ string, assetID string) error {
	g.calls++
	g.mission.Assets = append(g.mission.Assets, assetID)
	return nil
}

func (g *fakeGateway) DetachAsset(_ context.Context, _ string, assetID string) error {
	g.calls++
	var kept []string
	for _, a := range g.mission.Assets {
		if a != assetID {
			kept = append(kept, a)
		}
	}
	g.mission.Assets = kept
	return nil
}

func (g *fakeGateway) Export(context.Context, string) (ontology.ExportArtifact, error) {
	g.calls++
	return ontology.ExportArtifact{Filename: "op-nightjar.zip", Data: []byte("PK")}, nil
}

func newMachine(status ontology.MissionStatus, steps ...ontology.Step) (*MissionMachine, *fakeGateway) {
	g := &fakeGateway{mission: ontology.Mission{ID: "m1", Name: "Nightjar", Status: status, Steps: steps}}
	return NewMissionMachine(g, g.mission, zap.NewNop()), g
}

func TestIllegalMissionTransitionsNeverReachTheServer(t *testing.T) {
	for _, from := range allMissionStatuses {
		for _, to := range allMissionStatuses {
			if MissionCanTransition(from, to) {
				continue
			}
			m, g := newMachine(from)
			err := m.Request(context.Background(), to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.ErrorIs(t, err, shared.ErrInvalidTransition)
			assert.Zero(t, g.calls, "%s -> %s made a network call", from, to)
			assert.Equal(t, from, m.Displayed())
		}
	}
}

func TestMissionTable(t *testing.T) {
	assert.ElementsMatch(t, []ontology.MissionStatus{ontology.MissionWarmUp, ontology.MissionAborted},
		MissionNext(ontology.MissionPlanned))
	assert.True(t, MissionCanTransition(ontology.MissionWarmUp, ontology.MissionPlanned))
	assert.True(t, MissionCanTransition(ontology.MissionDebrief, ontology.MissionCompleted))
	assert.False(t, MissionCanTransition(ontology.MissionActive, ontology.MissionDebrief),
		"debrief is never an operator request")
	assert.True(t, MissionTerminal(ontology.MissionCompleted))
	assert.True(t, MissionTerminal(ontology.MissionAborted))
	assert.False(t, MissionTerminal(ontology.MissionDebrief))
}

func TestMissionRunsToCompletionAndOffersExport(t *testing.T) {
	m, g := newMachine(ontology.MissionPlanned)
	ctx := context.Background()
	assert.False(t, m.ExportAvailable())

	for _, to := range []ontology.MissionStatus{ontology.MissionWarmUp, ontology.MissionActive, ontology.MissionCompleted} {
		require.NoError(t, m.Request(ctx, to))
		assert.Equal(t, to, m.Status())
	}
	assert.Equal(t, ontology.MissionCompleted, m.Displayed())
	assert.True(t, m.ExportAvailable())

	artifact, err := m.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "op-nightjar.zip", artifact.Filename)
	assert.Equal(t, ontology.MissionCompleted, g.mission.Status)
}

func TestPlannedCannotJumpToActive(t *testing.T) {
	m, g := newMachine(ontology.MissionPlanned)
	err := m.Request(context.Background(), ontology.MissionActive)

	var te *shared.TransitionError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Remote)
	assert.Equal(t, "planned", te.From)
	assert.Zero(t, g.calls)
}

func TestRejectedTransitionRestoresDisplayedState(t *testing.T) {
	m, g := newMachine(ontology.MissionWarmUp)
	g.reject = "assets not ready"
	g.inFlight = func() {
		assert.Equal(t, ontology.MissionActive, m.Displayed(), "pending shown while in flight")
		assert.Equal(t, ontology.MissionWarmUp, m.Status(), "confirmed untouched while in flight")
		assert.ErrorIs(t, m.Request(context.Background(), ontology.MissionAborted), ErrRequestPending)
	}

	err := m.Request(context.Background(), ontology.MissionActive)
	var te *shared.TransitionError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Remote)
	assert.Equal(t, "assets not ready", te.Reason)
	assert.Equal(t, ontology.MissionWarmUp, m.Displayed())
	assert.False(t, m.Pending())
}

func TestTransportFailureKeepsCause(t *testing.T) {
	m, g := newMachine(ontology.MissionPlanned)
	g.fail = shared.ErrAuthExpired
	err := m.Request(context.Background(), ontology.MissionWarmUp)
	assert.ErrorIs(t, err, shared.ErrAuthExpired)
	assert.Equal(t, ontology.MissionPlanned, m.Displayed())
}

func TestAcceptedTransitionSurvivesFailedRefetch(t *testing.T) {
	m, g := newMachine(ontology.MissionPlanned)
	g.fetchErr = errors.New("timeout")
	require.NoError(t, m.Request(context.Background(), ontology.MissionWarmUp))
	assert.Equal(t, ontology.MissionWarmUp, m.Status())
}

func TestTerminalStepsRejectEverything(t *testing.T) {
	for _, from := range []ontology.StepStatus{ontology.StepDone, ontology.StepSkipped} {
		assert.True(t, StepTerminal(from))
		for _, to := range allStepStatuses {
			assert.False(t, StepCanTransition(from, to), "%s -> %s", from, to)

			m, g := newMachine(ontology.MissionActive, ontology.Step{ID: "s1", Status: from})
			err := m.RequestStep(context.Background(), "s1", to)
			assert.ErrorIs(t, err, shared.ErrInvalidTransition)
			assert.Zero(t, g.calls)
		}
	}
	assert.Equal(t, []ontology.StepStatus{ontology.StepDone}, StepNext(ontology.StepAltered))
}

func TestProgressionOffered(t *testing.T) {
	assert.True(t, ProgressionOffered(ontology.MissionActive, ontology.StepActive))
	assert.True(t, ProgressionOffered(ontology.MissionWarmUp, ontology.StepAltered))
	assert.True(t, ProgressionOffered(ontology.MissionPlanned, ontology.StepPlanned))
	assert.False(t, ProgressionOffered(ontology.MissionPlanned, ontology.StepActive))
	assert.False(t, ProgressionOffered(ontology.MissionCompleted, ontology.StepAltered))
}

func TestStepCanBeSkippedBeforeMissionStarts(t *testing.T) {
	m, _ := newMachine(ontology.MissionPlanned,
		ontology.Step{ID: "s1", Status: ontology.StepPlanned},
		ontology.Step{ID: "s2", Status: ontology.StepAltered},
	)
	ctx := context.Background()
	require.NoError(t, m.RequestStep(ctx, "s1", ontology.StepSkipped))
	status, _ := m.DisplayedStep("s1")
	assert.Equal(t, ontology.StepSkipped, status)

	err := m.RequestStep(ctx, "s2", ontology.StepDone)
	var te *shared.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Reason, "planned")
}

func TestRejectedStepTransitionRollsBack(t *testing.T) {
	m, g := newMachine(ontology.MissionActive, ontology.Step{ID: "s1", Status: ontology.StepActive})
	g.reject = "step locked"
	err := m.RequestStep(context.Background(), "s1", ontology.StepDone)
	var te *shared.TransitionError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Remote)
	status, _ := m.DisplayedStep("s1")
	assert.Equal(t, ontology.StepActive, status)

	assert.True(t, shared.IsValidation(m.RequestStep(context.Background(), "nope", ontology.StepDone)))
}

func TestAssetBindingIsOrthogonalToStatus(t *testing.T) {
	m, g := newMachine(ontology.MissionCompleted,
		ontology.Step{ID: "move", Type: ontology.StepTypeMovement, Status: ontology.StepDone},
		ontology.Step{ID: "look", Type: ontology.StepTypeObservation, Status: ontology.StepPlanned},
	)
	ctx := context.Background()

	require.NoError(t, m.BindAsset(ctx, "move", "truck-7"))
	step, _ := m.Mission().Step("move")
	assert.Equal(t, "truck-7", step.AssetID)
	assert.Equal(t, ontology.StepDone, step.Status)

	require.NoError(t, m.UnbindAsset(ctx, "move"))
	step, _ = m.Mission().Step("move")
	assert.Empty(t, step.AssetID)

	g.calls = 0
	assert.True(t, shared.IsValidation(m.BindAsset(ctx, "look", "truck-7")))
	assert.True(t, shared.IsValidation(m.BindAsset(ctx, "move", " ")))
	assert.Zero(t, g.calls)
}

func TestStepListEditing(t *testing.T) {
	m, g := newMachine(ontology.MissionPlanned,
		ontology.Step{ID: "a", Order: 1, Type: ontology.StepTypeStaging, Status: ontology.StepPlanned},
		ontology.Step{ID: "b", Order: 2, Type: ontology.StepTypeMovement, Status: ontology.StepPlanned},
	)
	ctx := context.Background()

	require.NoError(t, m.AppendStep(ctx, ontology.CreateStepRequest{Name: "c", Type: ontology.StepTypeExtraction}))
	require.Len(t, m.Mission().Steps, 3)

	require.NoError(t, m.ReorderStep(ctx, "c", 1))
	ordered := m.Mission().OrderedSteps()
	assert.Equal(t, "c", ordered[0].ID)
	require.NoError(t, ontology.ValidateStepOrder(ordered))

	require.NoError(t, m.DeleteStep(ctx, "a"))
	assert.NoError(t, ontology.ValidateStepOrder(m.Mission().Steps))
	assert.Len(t, m.Mission().Steps, 2)

	g.calls = 0
	assert.True(t, shared.IsValidation(m.ReorderStep(ctx, "b", 3)))
	assert.True(t, shared.IsValidation(m.ReorderStep(ctx, "b", 0)))
	assert.True(t, shared.IsValidation(m.AppendStep(ctx, ontology.CreateStepRequest{Name: "", Type: ontology.StepTypeMovement})))
	assert.True(t, shared.IsValidation(m.AppendStep(ctx, ontology.CreateStepRequest{Name: "x", Type: "parade"})))
	assert.True(t, shared.IsValidation(m.AppendStep(ctx, ontology.CreateStepRequest{
		Name: "x", Type: ontology.StepTypeMovement,
		Route: &ontology.StepRoute{Origin: ontology.Position{Latitude: 95}},
	})))
	assert.True(t, shared.IsValidation(m.DeleteStep(ctx, "gone")))
	assert.Zero(t, g.calls)
}

func TestMissionAssetsAndSummary(t *testing.T) {
	m, g := newMachine(ontology.MissionPlanned)
	ctx := context.Background()

	require.NoError(t, m.AttachAsset(ctx, "drone-1"))
	require.NoError(t, m.AttachAsset(ctx, "drone-1"))
	assert.Equal(t, []string{"drone-1"}, m.Mission().Assets)

	require.NoError(t, m.DetachAsset(ctx, "drone-1"))
	assert.Empty(t, m.Mission().Assets)
	assert.True(t, shared.IsValidation(m.DetachAsset(ctx, "drone-1")))

	require.NoError(t, m.UpdateSummary(ctx, "Recon of northern approach"))
	assert.Equal(t, "Recon of northern approach", m.Mission().Summary)

	g.mission.Status = ontology.MissionDebrief
	require.NoError(t, m.Refresh(ctx))
	assert.Equal(t, ontology.MissionDebrief, m.Status(), "debrief is observed from the server")
	require.NoError(t, m.Request(ctx, ontology.MissionCompleted))
}
