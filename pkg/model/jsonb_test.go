package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"entity_type": "asset", "count": 2}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["entity_type"] != "asset" {
		t.Fatalf("expected entity_type asset, got %v", decoded["entity_type"])
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned["entity_type"] != "asset" {
		t.Fatalf("expected scanned entity_type asset, got %v", scanned["entity_type"])
	}
}

func TestJSONBGormDataType(t *testing.T) {
	value := JSONB{"ok": true}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}

func TestActionKindValidation(t *testing.T) {
	valid := []ActionKind{
		ActionUpdateField, ActionCreateRecord, ActionSendNotification,
		ActionDispatchJob, ActionTriggerApproval, ActionWebhook, ActionCustom,
	}
	for _, kind := range valid {
		if !IsValidActionKind(kind) {
			t.Fatalf("expected %q to be valid", kind)
		}
	}
	if IsValidActionKind(ActionKind("delete_everything")) {
		t.Fatal("expected unknown kind to be invalid")
	}
}

func TestFailurePolicyValidation(t *testing.T) {
	for _, policy := range []FailurePolicy{FailureAbort, FailureContinue, FailureLogAndContinue} {
		if !IsValidFailurePolicy(policy) {
			t.Fatalf("expected %q to be valid", policy)
		}
	}
	if IsValidFailurePolicy(FailurePolicy("retry")) {
		t.Fatal("expected unknown policy to be invalid")
	}
}
