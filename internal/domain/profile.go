package domain

// Profile is the player state resolved from a credential at connect time.
type Profile struct {
	Identity  Identity       `json:"identity"`
	PlayerID  string         `json:"player_id"`
	Username  string         `json:"username"`
	Location  string         `json:"location,omitempty"`
	Team      string         `json:"team,omitempty"`
	Admin     bool           `json:"admin"`
	Resources map[string]int `json:"resources,omitempty"`
}

// Groups returns the broadcast groups the profile belongs to on connect.
func (p Profile) Groups() []GroupKey {
	groups := []GroupKey{GlobalGroup}
	if p.Location != "" {
		groups = append(groups, LocationGroup(p.Location))
	}
	if p.Team != "" {
		groups = append(groups, TeamGroup(p.Team))
	}
	if p.Admin {
		groups = append(groups, AdminGroup)
	}
	return groups
}
