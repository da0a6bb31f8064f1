// Package aitalked binds the 32-bit AITalk engine library (aitalked.dll).
package aitalked

import "errors"

// ErrUnsupportedPlatform is returned by Open on anything but windows/386,
// the only platform the vendor library is built for.
var ErrUnsupportedPlatform = errors.New("aitalked requires windows/386")

// Job modes for TJobParam.
const (
	modePlainToKana = 21
	modeKanaToWave  = 12
)

var procNames = []string{
	"AITalkAPI_Init",
	"AITalkAPI_End",
	"AITalkAPI_SetParam",
	"AITalkAPI_GetParam",
	"AITalkAPI_LangLoad",
	"AITalkAPI_LangClear",
	"AITalkAPI_VoiceLoad",
	"AITalkAPI_ReloadWordDic",
	"AITalkAPI_ReloadPhraseDic",
	"AITalkAPI_ReloadSymbolDic",
	"AITalkAPI_TextToKana",
	"AITalkAPI_GetKana",
	"AITalkAPI_CloseKana",
	"AITalkAPI_TextToSpeech",
	"AITalkAPI_GetData",
	"AITalkAPI_CloseSpeech",
}

// stdcall argument bytes, used to build the decorated export names.
var argBytes = map[string]int{
	"AITalkAPI_Init":            4,
	"AITalkAPI_End":             0,
	"AITalkAPI_SetParam":        4,
	"AITalkAPI_GetParam":        8,
	"AITalkAPI_LangLoad":        4,
	"AITalkAPI_LangClear":       0,
	"AITalkAPI_VoiceLoad":       4,
	"AITalkAPI_ReloadWordDic":   4,
	"AITalkAPI_ReloadPhraseDic": 4,
	"AITalkAPI_ReloadSymbolDic": 4,
	"AITalkAPI_TextToKana":      12,
	"AITalkAPI_GetKana":         20,
	"AITalkAPI_CloseKana":       8,
	"AITalkAPI_TextToSpeech":    12,
	"AITalkAPI_GetData":         16,
	"AITalkAPI_CloseSpeech":     8,
}
