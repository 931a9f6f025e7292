package domain

import (
	"fmt"
	"strings"
)

// GroupKey names a broadcast scope: global, location:<id>, team:<id> or admin.
type GroupKey string

type GroupKind string

const (
	GroupKindGlobal   GroupKind = "global"
	GroupKindLocation GroupKind = "location"
	GroupKindTeam     GroupKind = "team"
	GroupKindAdmin    GroupKind = "admin"
)

const (
	GlobalGroup GroupKey = "global"
	AdminGroup  GroupKey = "admin"
)

func LocationGroup(id string) GroupKey { return GroupKey("location:" + id) }

func TeamGroup(id string) GroupKey { return GroupKey("team:" + id) }

// ParseGroupKey validates s and returns it as a GroupKey.
func ParseGroupKey(s string) (GroupKey, error) {
	switch s {
	case string(GlobalGroup), string(AdminGroup):
		return GroupKey(s), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("invalid group key %q", s)
	}
	switch GroupKind(kind) {
	case GroupKindLocation, GroupKindTeam:
		return GroupKey(s), nil
	default:
		return "", fmt.Errorf("invalid group kind %q", kind)
	}
}

// ScopeGroup builds a group key from an admin-facing target type and id.
func ScopeGroup(targetType, targetID string) (GroupKey, error) {
	switch targetType {
	case "", string(GroupKindGlobal):
		return GlobalGroup, nil
	case string(GroupKindLocation), "sector":
		if targetID == "" {
			return "", fmt.Errorf("target_id required for %s", targetType)
		}
		return LocationGroup(targetID), nil
	case string(GroupKindTeam):
		if targetID == "" {
			return "", fmt.Errorf("target_id required for %s", targetType)
		}
		return TeamGroup(targetID), nil
	case string(GroupKindAdmin):
		return AdminGroup, nil
	default:
		return "", fmt.Errorf("unknown target type %q", targetType)
	}
}

func (g GroupKey) Kind() GroupKind {
	kind, _, _ := strings.Cut(string(g), ":")
	return GroupKind(kind)
}

// ID returns the location or team id, or "" for global and admin.
func (g GroupKey) ID() string {
	_, id, _ := strings.Cut(string(g), ":")
	return id
}

func (g GroupKey) String() string { return string(g) }
