package domain

// SettingsKeyTelegram is the settings key the channel credentials live under.
const SettingsKeyTelegram = "telegram_settings"

// ChannelSettings holds the bot channel credentials and the per-user
// notification preferences.
type ChannelSettings struct {
	BotToken        string `json:"botToken"`
	ChatID          int64  `json:"chatId"`
	MentionUserID   string `json:"userId,omitempty"`
	Silent          bool   `json:"silent,omitempty"`
	TagForReminders bool   `json:"tagForReminders,omitempty"`
}

func (s ChannelSettings) IsConfigured() bool {
	return s.BotToken != "" && s.ChatID != 0
}
