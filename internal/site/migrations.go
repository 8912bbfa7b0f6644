package site

// migration moves a document from (major, minor) to the next minor
// version. Migrations are linear: each applies exactly one step, and Load
// runs them in order until the document reaches the current version.
type migration struct {
	major int
	minor int // version the document has BEFORE this migration runs
	apply func(data map[string]any)
}

// migrations, oldest first. Never reorder or remove entries: documents in
// the field may still carry any historical version.
var migrations = []migration{
	{
		// 1.0 → 1.1: currency became part of the record.
		major: 1,
		minor: 0,
		apply: func(data map[string]any) {
			if _, ok := data["currency"]; !ok {
				data["currency"] = "EUR"
			}
		},
	},
	{
		// 1.1 → 1.2: country and language were split out of locale-less
		// deployments; language defaults to English.
		major: 1,
		minor: 1,
		apply: func(data map[string]any) {
			if _, ok := data["language"]; !ok {
				data["language"] = "en"
			}
		},
	},
	{
		// 1.2 → 1.3: external/internal URLs replaced the old base_url.
		major: 1,
		minor: 2,
		apply: func(data map[string]any) {
			if base, ok := data["base_url"].(string); ok {
				if _, exists := data["external_url"]; !exists && base != "" {
					data["external_url"] = base
				}
				delete(data, "base_url")
			}
		},
	},
}

// migrate walks doc forward to the current version.
func migrate(doc document, logger Logger) (document, error) {
	if doc.Data == nil {
		doc.Data = make(map[string]any)
	}

	for _, m := range migrations {
		if doc.Version == m.major && doc.MinorVersion == m.minor {
			logger.Info("migrating site config",
				"from", m.minor,
				"to", m.minor+1,
			)
			m.apply(doc.Data)
			doc.MinorVersion = m.minor + 1
		}
	}
	return doc, nil
}
