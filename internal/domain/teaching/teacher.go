package teaching

import (
	"sort"
	"strings"
)

// TeacherID selects a teacher persona.
type TeacherID string

const (
	TeacherSharma TeacherID = "sharma"
	TeacherPriya  TeacherID = "priya"
	TeacherDavid  TeacherID = "david"
)

// DefaultTeacher is used when an unknown persona is requested.
const DefaultTeacher = TeacherSharma

// Teacher is a persona: how the avatar looks and how its voice is tuned.
type Teacher struct {
	ID          TeacherID
	DisplayName string
	Honorific   string // how the teacher refers to themselves, "Sir" or "Ma'am"

	FaceModelID string

	VoiceID         string
	VoiceModel      string
	Stability       float64
	SimilarityBoost float64
}

var teachers = map[TeacherID]Teacher{
	TeacherSharma: {
		ID:              TeacherSharma,
		DisplayName:     "Sharma Sir",
		Honorific:       "Sir",
		FaceModelID:     "simli-sharma-01",
		VoiceID:         "eleven-sharma-voice",
		VoiceModel:      "eleven_turbo_v2",
		Stability:       0.65,
		SimilarityBoost: 0.75,
	},
	TeacherPriya: {
		ID:              TeacherPriya,
		DisplayName:     "Priya Ma'am",
		Honorific:       "Ma'am",
		FaceModelID:     "simli-priya-01",
		VoiceID:         "eleven-priya-voice",
		VoiceModel:      "eleven_turbo_v2",
		Stability:       0.7,
		SimilarityBoost: 0.8,
	},
	TeacherDavid: {
		ID:              TeacherDavid,
		DisplayName:     "Mr. David",
		Honorific:       "Sir",
		FaceModelID:     "simli-david-01",
		VoiceID:         "eleven-david-voice",
		VoiceModel:      "eleven_turbo_v2",
		Stability:       0.6,
		SimilarityBoost: 0.7,
	},
}

// LookupTeacher returns the persona for id. The boolean is false when id was
// unknown and the default persona was substituted.
func LookupTeacher(id string) (Teacher, bool) {
	t, ok := teachers[TeacherID(strings.ToLower(strings.TrimSpace(id)))]
	if !ok {
		return teachers[DefaultTeacher], false
	}
	return t, true
}

// Teachers lists every persona ordered by id.
func Teachers() []Teacher {
	out := make([]Teacher, 0, len(teachers))
	for _, t := range teachers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
