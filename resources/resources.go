package resources

import "embed"

//go:embed migrations i18n data
var FS embed.FS
