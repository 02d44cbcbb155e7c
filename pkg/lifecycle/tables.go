// Package lifecycle holds the mission and step progression rules and the
// machine that applies them against the system of record.
package lifecycle

import "sentinel-overwatch/pkg/ontology"

var missionTransitions = map[ontology.MissionStatus][]ontology.MissionStatus{
	ontology.MissionPlanned:   {ontology.MissionWarmUp, ontology.MissionAborted},
	ontology.MissionWarmUp:    {ontology.MissionActive, ontology.MissionPlanned, ontology.MissionAborted},
	ontology.MissionActive:    {ontology.MissionCompleted, ontology.MissionAborted},
	ontology.MissionCompleted: {},
	ontology.MissionAborted:   {},
	ontology.MissionDebrief:   {ontology.MissionCompleted},
}

var stepTransitions = map[ontology.StepStatus][]ontology.StepStatus{
	ontology.StepPlanned: {ontology.StepActive, ontology.StepSkipped},
	ontology.StepActive:  {ontology.StepDone, ontology.StepSkipped},
	ontology.StepDone:    {},
	ontology.StepSkipped: {},
	ontology.StepAltered: {ontology.StepDone},
}

// MissionCanTransition reports whether an operator may request the move.
// debrief is entered by an external process only and is never a legal
// target here.
func MissionCanTransition(from, to ontology.MissionStatus) bool {
	if to == ontology.MissionDebrief {
		return false
	}
	return contains(missionTransitions[from], to)
}

// MissionNext lists the statuses an operator may request from s.
func MissionNext(s ontology.MissionStatus) []ontology.MissionStatus {
	return append([]ontology.MissionStatus(nil), missionTransitions[s]...)
}

func MissionTerminal(s ontology.MissionStatus) bool {
	next, known := missionTransitions[s]
	return known && len(next) == 0
}

func StepCanTransition(from, to ontology.StepStatus) bool {
	return contains(stepTransitions[from], to)
}

func StepNext(s ontology.StepStatus) []ontology.StepStatus {
	return append([]ontology.StepStatus(nil), stepTransitions[s]...)
}

func StepTerminal(s ontology.StepStatus) bool {
	next, known := stepTransitions[s]
	return known && len(next) == 0
}

// ProgressionOffered reports whether step controls are shown: the
// mission is under way, or the step has not started and may still be
// cancelled on its own.
func ProgressionOffered(mission ontology.MissionStatus, step ontology.StepStatus) bool {
	switch mission {
	case ontology.MissionActive, ontology.MissionWarmUp:
		return true
	}
	return step == ontology.StepPlanned
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
