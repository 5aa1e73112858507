package core

import "maps"

type User struct {
	UserID          string                               `json:"user_id,omitempty"`
	DeviceID        string                               `json:"device_id,omitempty"`
	Country         string                               `json:"country,omitempty"`
	Region          string                               `json:"region,omitempty"`
	City            string                               `json:"city,omitempty"`
	Language        string                               `json:"language,omitempty"`
	Platform        string                               `json:"platform,omitempty"`
	Version         string                               `json:"version,omitempty"`
	OS              string                               `json:"os,omitempty"`
	DeviceModel     string                               `json:"device_model,omitempty"`
	Library         string                               `json:"library,omitempty"`
	UserProperties  map[string]any                       `json:"user_properties,omitempty"`
	Groups          map[string][]string                  `json:"groups,omitempty"`
	GroupProperties map[string]map[string]map[string]any `json:"group_properties,omitempty"`
}

func (u User) SameIdentity(other User) bool {
	return u.UserID == other.UserID && u.DeviceID == other.DeviceID
}

func (u User) IsAnonymous() bool {
	return u.UserID == "" && u.DeviceID == ""
}

// EvaluationContext builds the context flags select from. Only the first name
// of each group type is used.
func (u User) EvaluationContext() EvaluationContext {
	user := make(map[string]any, 12)
	for key, value := range map[string]string{
		"user_id":      u.UserID,
		"device_id":    u.DeviceID,
		"country":      u.Country,
		"region":       u.Region,
		"city":         u.City,
		"language":     u.Language,
		"platform":     u.Platform,
		"version":      u.Version,
		"os":           u.OS,
		"device_model": u.DeviceModel,
		"library":      u.Library,
	} {
		if value != "" {
			user[key] = value
		}
	}
	if len(u.UserProperties) > 0 {
		user["user_properties"] = maps.Clone(u.UserProperties)
	}

	context := EvaluationContext{"user": user}

	groups := make(map[string]any, len(u.Groups))
	for groupType, names := range u.Groups {
		if len(names) == 0 {
			continue
		}
		group := map[string]any{"group_name": names[0]}
		if properties := u.GroupProperties[groupType][names[0]]; len(properties) > 0 {
			group["group_properties"] = maps.Clone(properties)
		}
		groups[groupType] = group
	}
	if len(groups) > 0 {
		context["groups"] = groups
	}

	return context
}
