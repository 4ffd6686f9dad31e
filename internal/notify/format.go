package notify

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/netsentry/internal/models"
)

var levelEmoji = map[models.Level]string{
	models.LevelCritical: "🚨",
	models.LevelWarning:  "⚠️",
	models.LevelInfo:     "ℹ️",
	models.LevelDebug:    "🔍",
}

var levelColor = map[models.Level]string{
	models.LevelCritical: "#dc3545",
	models.LevelWarning:  "#ffc107",
	models.LevelInfo:     "#17a2b8",
	models.LevelDebug:    "#6c757d",
}

// Subject renders "[LEVEL] message".
func Subject(a *models.Alert) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Level)), a.Message)
}

// chatText is plain text; device names are user data and are sent as is.
func chatText(a *models.Alert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n%s", levelEmoji[a.Level], strings.ToUpper(string(a.Level)), a.Message)
	if a.DeviceName != "" || a.DeviceIP != "" {
		fmt.Fprintf(&b, "\nDevice: %s (%s)", a.DeviceName, a.DeviceIP)
	}
	fmt.Fprintf(&b, "\n%s", a.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	return b.String()
}
