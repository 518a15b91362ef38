package handlers

type (
	JobResp      = jobResp
	SettingsResp = settingsResp
)
