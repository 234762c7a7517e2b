package proxy

// Capabilities returns the static capability set the proxy advertises. It
// is the union of what the routed backends are expected to serve and never
// changes at runtime; capability registrations arriving from backends are
// absorbed rather than re-advertised.
func Capabilities() map[string]any {
	return map[string]any{
		"textDocumentSync": map[string]any{
			"openClose": true,
			"change":    2, // incremental
			"save":      map[string]any{"includeText": false},
		},
		"completionProvider": map[string]any{
			"triggerCharacters": []string{".", ":", ">"},
			"resolveProvider":   true,
		},
		"hoverProvider":                   true,
		"signatureHelpProvider":           map[string]any{"triggerCharacters": []string{"(", ","}},
		"definitionProvider":              true,
		"typeDefinitionProvider":          true,
		"implementationProvider":          true,
		"referencesProvider":              true,
		"documentHighlightProvider":       true,
		"documentSymbolProvider":          true,
		"workspaceSymbolProvider":         true,
		"codeActionProvider":              true,
		"codeLensProvider":                map[string]any{"resolveProvider": false},
		"documentFormattingProvider":      true,
		"documentRangeFormattingProvider": true,
		"renameProvider":                  map[string]any{"prepareProvider": true},
		"foldingRangeProvider":            true,
		"semanticTokensProvider": map[string]any{
			"legend": map[string]any{
				"tokenTypes":     []string{"namespace", "type", "function", "variable", "keyword", "string", "comment"},
				"tokenModifiers": []string{"declaration", "readonly", "static"},
			},
			"full":  true,
			"range": true,
		},
		"workspace": map[string]any{
			"workspaceFolders": map[string]any{
				"supported":           true,
				"changeNotifications": true,
			},
		},
	}
}
