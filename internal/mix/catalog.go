package mix

// AutoPreset lets the backend pick a vibe from the song's detected mood.
const AutoPreset = "Auto"

// Preset is a built-in catalog entry. The backend owns its mix settings.
type Preset struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

var catalog = []Preset{
	{ID: AutoPreset, Description: "Analyzes your song's mood and auto-picks the perfect lofi vibe"},
	{ID: "Late Night Coding", Description: "Slow tempo · deep bass · gentle crackle"},
	{ID: "Rainy Cafe", Description: "Warm mids · soft rain · cozy ambience"},
	{ID: "Deep Focus", Description: "Ultra-muted highs · minimal beats"},
	{ID: "Heartbreak", Description: "Heavy reverb · vinyl distortion · melancholy"},
	{ID: "Space Drift", Description: "Spacious echo · pitch shifted · ethereal"},
	{ID: "Study Mode", Description: "Balanced lofi · white noise · focus"},
}

// Catalog returns a copy of the built-in presets in display order.
func Catalog() []Preset {
	out := make([]Preset, len(catalog))
	copy(out, catalog)
	return out
}

// LookupPreset reports whether id names a built-in preset.
func LookupPreset(id string) (Preset, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}
