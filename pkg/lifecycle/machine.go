package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/shared"
)

// Gateway is the part of the system of record a mission machine drives.
type Gateway interface {
	FetchMission(ctx context.Context, id string) (ontology.Mission, error)
	TransitionMission(ctx context.Context, id string, to ontology.MissionStatus) error
	UpdateSummary(ctx context.Context, id, summary string) error
	AppendStep(ctx context.Context, missionID string, req ontology.CreateStepRequest) error
	PatchStep(ctx context.Context, missionID, stepID string, patch ontology.StepPatch) error
	DeleteStep(ctx context.Context, missionID, stepID string) error
	AttachAsset(ctx context.Context, missionID, assetID string) error
	DetachAsset(ctx context.Context, missionID, assetID string) error
	Export(ctx context.Context, missionID string) (ontology.ExportArtifact, error)
}

// ErrRequestPending is returned when a transition is requested while an
// earlier one on the same mission or step is still awaiting the server.
var ErrRequestPending = errors.New("a transition is already pending")

// MissionMachine keeps the server-confirmed mission apart from any
// transition still in flight. Only a server acceptance followed by a
// refetch changes the confirmed state; a rejection drops the pending
// value and the display falls back to what was confirmed.
type MissionMachine struct {
	gateway Gateway
	logger  *zap.Logger

	mu           sync.Mutex
	mission      ontology.Mission
	pending      *ontology.MissionStatus
	pendingSteps map[string]ontology.StepStatus
}

// NewMissionMachine wraps an already fetched mission.
func NewMissionMachine(gateway Gateway, mission ontology.Mission, logger *zap.Logger) *MissionMachine {
	return &MissionMachine{
		gateway:      gateway,
		mission:      mission,
		pendingSteps: make(map[string]ontology.StepStatus),
		logger:       logger.Named("mission").With(zap.String("mission_id", mission.ID)),
	}
}

// LoadMission fetches a mission and wraps it.
func LoadMission(ctx context.Context, gateway Gateway, id string, logger *zap.Logger) (*MissionMachine, error) {
	mission, err := gateway.FetchMission(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load mission %s: %w", id, err)
	}
	return NewMissionMachine(gateway, mission, logger), nil
}

// Mission returns the confirmed mission.
func (m *MissionMachine) Mission() ontology.Mission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mission
}

func (m *MissionMachine) Status() ontology.MissionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mission.Status
}

// Displayed is the pending status while a request is in flight and the
// confirmed status otherwise.
func (m *MissionMachine) Displayed() ontology.MissionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return *m.pending
	}
	return m.mission.Status
}

func (m *MissionMachine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Refresh replaces the confirmed state with the server's.
func (m *MissionMachine) Refresh(ctx context.Context) error {
	mission, err := m.gateway.FetchMission(ctx, m.id())
	if err != nil {
		return fmt.Errorf("failed to refresh mission %s: %w", m.id(), err)
	}
	m.mu.Lock()
	m.mission = mission
	m.mu.Unlock()
	return nil
}

func (m *MissionMachine) id() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mission.ID
}

// Request asks the server to move the mission to status to. Moves the
// table forbids are refused without a network call.
func (m *MissionMachine) Request(ctx context.Context, to ontology.MissionStatus) error {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return ErrRequestPending
	}
	from := m.mission.Status
	if !MissionCanTransition(from, to) {
		m.mu.Unlock()
		return &shared.TransitionError{Machine: "mission", From: string(from), To: string(to)}
	}
	m.pending = &to
	id := m.mission.ID
	m.mu.Unlock()

	if err := m.gateway.TransitionMission(ctx, id, to); err != nil {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
		m.logger.Warn("Mission transition rejected",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return rejection("mission", string(from), string(to), err)
	}

	m.commit(ctx, func(mission *ontology.Mission) { mission.Status = to })
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()

	m.logger.Info("Mission transition confirmed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// commit refetches after an accepted command. If the refetch fails the
// accepted change is applied locally so the confirmed state still
// reflects what the server acknowledged.
func (m *MissionMachine) commit(ctx context.Context, accepted func(*ontology.Mission)) {
	fresh, err := m.gateway.FetchMission(ctx, m.id())
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.Warn("Refetch after accepted command failed", zap.Error(err))
		if accepted != nil {
			accepted(&m.mission)
		}
		return
	}
	m.mission = fresh
}

// rejection turns a gateway failure into the error returned to the
// operator. Server refusals keep their reason; other failures keep
// their chain.
func rejection(machine, from, to string, err error) error {
	var te *shared.TransitionError
	if errors.As(err, &te) {
		return &shared.TransitionError{
			Machine: machine,
			From:    from,
			To:      to,
			Reason:  te.Reason,
			Remote:  true,
		}
	}
	return fmt.Errorf("%s transition %s -> %s failed: %w", machine, from, to, err)
}

// ExportAvailable reports whether the after-action export is offered.
func (m *MissionMachine) ExportAvailable() bool {
	return m.Status() == ontology.MissionCompleted
}

// Export downloads the export artifact. Availability is advisory and is
// not checked here.
func (m *MissionMachine) Export(ctx context.Context) (ontology.ExportArtifact, error) {
	artifact, err := m.gateway.Export(ctx, m.id())
	if err != nil {
		return ontology.ExportArtifact{}, fmt.Errorf("failed to export mission %s: %w", m.id(), err)
	}
	return artifact, nil
}

func (m *MissionMachine) UpdateSummary(ctx context.Context, summary string) error {
	if err := m.gateway.UpdateSummary(ctx, m.id(), summary); err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	m.commit(ctx, func(mission *ontology.Mission) { mission.Summary = summary })
	return nil
}

// DisplayedStep returns the pending status of a step if a request is in
// flight, otherwise its confirmed status.
func (m *MissionMachine) DisplayedStep(stepID string) (ontology.StepStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.pendingSteps[stepID]; ok {
		return s, true
	}
	step, ok := m.mission.Step(stepID)
	return step.Status, ok
}

// RequestStep asks the server to move a step. It is refused locally when
// the table forbids the move or the step controls are not offered in the
// mission's current status.
func (m *MissionMachine) RequestStep(ctx context.Context, stepID string, to ontology.StepStatus) error {
	m.mu.Lock()
	step, ok := m.mission.Step(stepID)
	if !ok {
		m.mu.Unlock()
		return shared.NewValidationError("step", "unknown step %q", stepID)
	}
	if _, busy := m.pendingSteps[stepID]; busy {
		m.mu.Unlock()
		return ErrRequestPending
	}
	from := step.Status
	if !ProgressionOffered(m.mission.Status, from) {
		reason := fmt.Sprintf("mission is %s", m.mission.Status)
		m.mu.Unlock()
		return &shared.TransitionError{Machine: "step", From: string(from), To: string(to), Reason: reason}
	}
	if !StepCanTransition(from, to) {
		m.mu.Unlock()
		return &shared.TransitionError{Machine: "step", From: string(from), To: string(to)}
	}
	m.pendingSteps[stepID] = to
	missionID := m.mission.ID
	m.mu.Unlock()

	status := to
	err := m.gateway.PatchStep(ctx, missionID, stepID, ontology.StepPatch{Status: &status})

	if err != nil {
		m.mu.Lock()
		delete(m.pendingSteps, stepID)
		m.mu.Unlock()
		m.logger.Warn("Step transition rejected",
			zap.String("step_id", stepID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return rejection("step", string(from), string(to), err)
	}

	m.commit(ctx, func(mission *ontology.Mission) {
		setStep(mission, stepID, func(s *ontology.Step) { s.Status = to })
	})
	m.mu.Lock()
	delete(m.pendingSteps, stepID)
	m.mu.Unlock()
	return nil
}

// BindAsset binds an asset to a movement step. The binding is
// independent of the step's status.
func (m *MissionMachine) BindAsset(ctx context.Context, stepID, assetID string) error {
	if strings.TrimSpace(assetID) == "" {
		return shared.NewValidationError("asset_id", "is required")
	}
	return m.setBinding(ctx, stepID, assetID)
}

func (m *MissionMachine) UnbindAsset(ctx context.Context, stepID string) error {
	return m.setBinding(ctx, stepID, "")
}

func (m *MissionMachine) setBinding(ctx context.Context, stepID, assetID string) error {
	m.mu.Lock()
	step, ok := m.mission.Step(stepID)
	missionID := m.mission.ID
	m.mu.Unlock()
	if !ok {
		return shared.NewValidationError("step", "unknown step %q", stepID)
	}
	if !step.IsMovement() {
		return shared.NewValidationError("step", "%s step %q cannot carry an asset", step.Type, stepID)
	}

	if err := m.gateway.PatchStep(ctx, missionID, stepID, ontology.StepPatch{AssetID: &assetID}); err != nil {
		return fmt.Errorf("failed to update asset binding of step %s: %w", stepID, err)
	}
	m.commit(ctx, func(mission *ontology.Mission) {
		setStep(mission, stepID, func(s *ontology.Step) { s.AssetID = assetID })
	})
	return nil
}

func (m *MissionMachine) AppendStep(ctx context.Context, req ontology.CreateStepRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return shared.NewValidationError("name", "is required")
	}
	if !ontology.IsStepType(req.Type) {
		return shared.NewValidationError("step_type", "unknown step type %q", req.Type)
	}
	if req.Route != nil {
		if req.Type != ontology.StepTypeMovement {
			return shared.NewValidationError("route", "only movement steps carry a route")
		}
		if _, err := req.Route.Line(); err != nil {
			return shared.NewValidationError("route", "%v", err)
		}
	}

	if err := m.gateway.AppendStep(ctx, m.id(), req); err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	m.commit(ctx, nil)
	return nil
}

func (m *MissionMachine) DeleteStep(ctx context.Context, stepID string) error {
	m.mu.Lock()
	_, ok := m.mission.Step(stepID)
	missionID := m.mission.ID
	m.mu.Unlock()
	if !ok {
		return shared.NewValidationError("step", "unknown step %q", stepID)
	}
	if err := m.gateway.DeleteStep(ctx, missionID, stepID); err != nil {
		return fmt.Errorf("failed to delete step %s: %w", stepID, err)
	}
	m.commit(ctx, nil)
	return nil
}

// ReorderStep moves a step to a new 1-based position. The server
// renumbers the others so orders stay unique and dense.
func (m *MissionMachine) ReorderStep(ctx context.Context, stepID string, order int) error {
	m.mu.Lock()
	_, ok := m.mission.Step(stepID)
	count := len(m.mission.Steps)
	missionID := m.mission.ID
	m.mu.Unlock()
	if !ok {
		return shared.NewValidationError("step", "unknown step %q", stepID)
	}
	if order < 1 || order > count {
		return shared.NewValidationError("order", "must be between 1 and %d", count)
	}

	if err := m.gateway.PatchStep(ctx, missionID, stepID, ontology.StepPatch{Order: &order}); err != nil {
		return fmt.Errorf("failed to reorder step %s: %w", stepID, err)
	}
	m.commit(ctx, nil)

	mission := m.Mission()
	if err := ontology.ValidateStepOrder(mission.Steps); err != nil {
		m.logger.Warn("Server returned inconsistent step order", zap.Error(err))
	}
	return nil
}

func (m *MissionMachine) AttachAsset(ctx context.Context, assetID string) error {
	if strings.TrimSpace(assetID) == "" {
		return shared.NewValidationError("asset_id", "is required")
	}
	if contains(m.Mission().Assets, assetID) {
		return nil
	}
	if err := m.gateway.AttachAsset(ctx, m.id(), assetID); err != nil {
		return fmt.Errorf("failed to attach asset %s: %w", assetID, err)
	}
	m.commit(ctx, func(mission *ontology.Mission) {
		mission.Assets = append(append([]string(nil), mission.Assets...), assetID)
	})
	return nil
}

func (m *MissionMachine) DetachAsset(ctx context.Context, assetID string) error {
	if !contains(m.Mission().Assets, assetID) {
		return shared.NewValidationError("asset_id", "asset %q is not attached", assetID)
	}
	if err := m.gateway.DetachAsset(ctx, m.id(), assetID); err != nil {
		return fmt.Errorf("failed to detach asset %s: %w", assetID, err)
	}
	m.commit(ctx, func(mission *ontology.Mission) {
		var kept []string
		for _, a := range mission.Assets {
			if a != assetID {
				kept = append(kept, a)
			}
		}
		mission.Assets = kept
	})
	return nil
}

func setStep(mission *ontology.Mission, stepID string, fn func(*ontology.Step)) {
	mission.Steps = append([]ontology.Step(nil), mission.Steps...)
	for i := range mission.Steps {
		if mission.Steps[i].ID == stepID {
			fn(&mission.Steps[i])
		}
	}
}
