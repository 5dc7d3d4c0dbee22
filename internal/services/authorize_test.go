package services

import (
	"errors"
	"testing"

	"github.com/taskrelay/backend/internal/models"
)

func TestAuthorize(t *testing.T) {
	assignee := "u-alice"
	task := &models.Task{RequesterID: "u-req", AssigneeID: &assignee}
	unassigned := &models.Task{RequesterID: "u-req"}

	cases := []struct {
		name    string
		task    *models.Task
		actor   string
		trigger Trigger
		allowed bool
	}{
		{"requester supplies fields", task, "u-req", TriggerSupplyFields, true},
		{"stranger supplies fields", task, "u-eve", TriggerSupplyFields, false},
		{"requester matches", task, "u-req", TriggerMatch, true},
		{"assignee matches", task, "u-alice", TriggerMatch, false},
		{"requester selects", task, "u-req", TriggerSelect, true},
		{"requester cancels", task, "u-req", TriggerCancel, true},
		{"assignee cancels", task, "u-alice", TriggerCancel, false},
		{"assignee submits", task, "u-alice", TriggerSubmit, true},
		{"requester submits", task, "u-req", TriggerSubmit, false},
		{"submit without assignee", unassigned, "u-alice", TriggerSubmit, false},
		{"anyone reads", task, "u-eve", TriggerGet, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.task, tc.actor, tc.trigger)
			if tc.allowed && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tc.allowed && !errors.Is(err, ErrNotAuthorized) {
				t.Fatalf("expected ErrNotAuthorized, got %v", err)
			}
		})
	}
}
