package room

import "fmt"

// Document paths, relative to the store root. The whole coordination core
// addresses exactly this layout.
func Path(code string) string             { return fmt.Sprintf("rooms/%s", code) }
func MetaPath(code string) string         { return fmt.Sprintf("rooms/%s/meta", code) }
func HostPath(code string) string         { return fmt.Sprintf("rooms/%s/meta/hostId", code) }
func SettingsPath(code string) string     { return fmt.Sprintf("rooms/%s/settings", code) }
func TimerPath(code string) string        { return fmt.Sprintf("rooms/%s/timer", code) }
func ParticipantsPath(code string) string { return fmt.Sprintf("rooms/%s/participants", code) }

func ParticipantPath(code, key string) string {
	return fmt.Sprintf("rooms/%s/participants/%s", code, key)
}

func HistoryPath(code, key string) string {
	return fmt.Sprintf("rooms/%s/participants/%s/history", code, key)
}

func HistoryEntryPath(code, key, sessionID string) string {
	return fmt.Sprintf("rooms/%s/participants/%s/history/%s", code, key, sessionID)
}
