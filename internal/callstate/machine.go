// Package callstate holds the legal status edges for calls and call participants.
//
// Transitions are checked by replaying the event on a throwaway looplab/fsm
// machine seeded with the current status, so the edge tables below are the only
// place the lifecycle is described.
package callstate

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

// CallEvent names a call-level transition
type CallEvent string

const (
	CallAnswer        CallEvent = "answer"
	CallEnd           CallEvent = "end"
	CallRejectAll     CallEvent = "reject_all"
	CallFail          CallEvent = "fail"
	CallMiss          CallEvent = "miss"
	CallDisconnectEnd CallEvent = "disconnect_end"
)

// ParticipantEvent names a participant-level transition
type ParticipantEvent string

const (
	ParticipantJoin   ParticipantEvent = "join"
	ParticipantReject ParticipantEvent = "reject"
	ParticipantLeave  ParticipantEvent = "leave"
	ParticipantFail   ParticipantEvent = "fail"
)

var (
	ringing = string(domain.CallStatusRinging)
	ongoing = string(domain.CallStatusOngoing)

	invited = string(domain.ParticipantInvited)
	joined  = string(domain.ParticipantJoined)
)

// No edge leaves ENDED, FAILED or MISSED.
var callEvents = fsm.Events{
	{Name: string(CallAnswer), Src: []string{ringing}, Dst: ongoing},
	{Name: string(CallEnd), Src: []string{ringing, ongoing}, Dst: string(domain.CallStatusEnded)},
	{Name: string(CallRejectAll), Src: []string{ringing}, Dst: string(domain.CallStatusEnded)},
	{Name: string(CallFail), Src: []string{ringing, ongoing}, Dst: string(domain.CallStatusFailed)},
	{Name: string(CallMiss), Src: []string{ringing}, Dst: string(domain.CallStatusMissed)},
	{Name: string(CallDisconnectEnd), Src: []string{ongoing}, Dst: string(domain.CallStatusEnded)},
}

var participantEvents = fsm.Events{
	{Name: string(ParticipantJoin), Src: []string{invited}, Dst: joined},
	{Name: string(ParticipantReject), Src: []string{invited}, Dst: string(domain.ParticipantRejected)},
	{Name: string(ParticipantLeave), Src: []string{invited, joined}, Dst: string(domain.ParticipantLeft)},
	{Name: string(ParticipantFail), Src: []string{invited, joined}, Dst: string(domain.ParticipantFailed)},
}

func apply(events fsm.Events, from, event string) (string, error) {
	machine := fsm.NewFSM(from, events, fsm.Callbacks{})
	if err := machine.Event(context.Background(), event); err != nil {
		return from, err
	}
	return machine.Current(), nil
}

func can(events fsm.Events, from, event string) bool {
	return fsm.NewFSM(from, events, fsm.Callbacks{}).Can(event)
}

func sources(events fsm.Events, event string) []string {
	for _, e := range events {
		if e.Name == event {
			return append([]string(nil), e.Src...)
		}
	}
	return nil
}

// CanCall reports whether ev is legal from the given call status
func CanCall(from domain.CallStatus, ev CallEvent) bool {
	return can(callEvents, string(from), string(ev))
}

// CallTarget returns the status a call moves to on ev, or an INVALID_STATE error
func CallTarget(from domain.CallStatus, ev CallEvent) (domain.CallStatus, error) {
	to, err := apply(callEvents, string(from), string(ev))
	if err != nil {
		return from, apperrors.InvalidStateError(fmt.Sprintf("call cannot %s while %s", ev, from))
	}
	return domain.CallStatus(to), nil
}

// ParticipantTarget returns the status a participant moves to on ev, or an INVALID_STATE error
func ParticipantTarget(from domain.ParticipantStatus, ev ParticipantEvent) (domain.ParticipantStatus, error) {
	to, err := apply(participantEvents, string(from), string(ev))
	if err != nil {
		return from, apperrors.InvalidStateError(fmt.Sprintf("participant cannot %s while %s", ev, from))
	}
	return domain.ParticipantStatus(to), nil
}

// ParticipantSources lists the participant statuses ev may be applied from
func ParticipantSources(ev ParticipantEvent) []domain.ParticipantStatus {
	src := sources(participantEvents, string(ev))
	out := make([]domain.ParticipantStatus, 0, len(src))
	for _, s := range src {
		out = append(out, domain.ParticipantStatus(s))
	}
	return out
}
