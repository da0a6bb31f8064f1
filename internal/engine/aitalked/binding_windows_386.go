//go:build windows && 386

package aitalked

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/book-expert/aitalk-service/internal/engine"
	"github.com/book-expert/aitalk-service/internal/params"
	"github.com/book-expert/aitalk-service/internal/sjis"
	"golang.org/x/sys/windows"
)

type tConfig struct {
	hzVoiceDB    uint32
	dirVoiceDBS  *byte
	msecTimeout  uint32
	pathLicense  *byte
	codeAuthSeed *byte
	lenAuthSeed  uint32
}

type tJobParam struct {
	modeInOut uint32
	userData  uintptr
}

// Binding is one loaded copy of the library.
type Binding struct {
	dll   *windows.LazyDLL
	procs map[string]*windows.LazyProc

	handlers atomic.Pointer[engine.Handlers]

	textCallback  uintptr
	rawCallback   uintptr
	eventCallback uintptr

	// Strings handed to Init must outlive the engine.
	keep [][]byte
}

var _ engine.Engine = (*Binding)(nil)

// Open loads the library at path and resolves every export.
func Open(path string) (*Binding, error) {
	dll := windows.NewLazyDLL(path)

	err := dll.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	b := &Binding{dll: dll, procs: make(map[string]*windows.LazyProc, len(procNames))}

	for _, name := range procNames {
		proc, findErr := b.resolve(name)
		if findErr != nil {
			return nil, findErr
		}

		b.procs[name] = proc
	}

	b.handlers.Store(&engine.Handlers{})

	b.textCallback = windows.NewCallback(func(reason, jobID, user uintptr) uintptr {
		h := b.handlers.Load().Intermediate
		if h == nil {
			return 0
		}

		return uintptr(h(engine.ReasonCode(int32(reason)), int32(jobID), user))
	})

	// The 64-bit tick arrives as two stack slots on 386.
	b.rawCallback = windows.NewCallback(func(reason, jobID, _, _, user uintptr) uintptr {
		h := b.handlers.Load().Waveform
		if h == nil {
			return 0
		}

		return uintptr(h(engine.ReasonCode(int32(reason)), int32(jobID), user))
	})

	b.eventCallback = windows.NewCallback(func(_, _, _, _, _, _ uintptr) uintptr {
		return 0
	})

	return b, nil
}

func (b *Binding) resolve(name string) (*windows.LazyProc, error) {
	decorated := fmt.Sprintf("_%s@%d", name, argBytes[name])

	for _, candidate := range []string{decorated, name} {
		proc := b.dll.NewProc(candidate)
		if proc.Find() == nil {
			return proc, nil
		}
	}

	return nil, fmt.Errorf("export %s not found in %s", name, b.dll.Name)
}

func (b *Binding) call(name string, args ...uintptr) engine.Status {
	r1, _, _ := b.procs[name].Call(args...)

	return engine.Status(int32(r1))
}

func (b *Binding) cstring(s string) []byte {
	encoded := sjis.EncodeCString(s)
	b.keep = append(b.keep, encoded)

	return encoded
}

func (b *Binding) Init(cfg engine.Config) engine.Status {
	dir := b.cstring(cfg.VoiceDirectory)
	license := b.cstring(cfg.LicensePath)
	seed := b.cstring(cfg.AuthSeed)

	native := tConfig{
		hzVoiceDB:    cfg.SampleRate,
		dirVoiceDBS:  &dir[0],
		msecTimeout:  cfg.TimeoutMillis,
		pathLicense:  &license[0],
		codeAuthSeed: &seed[0],
		lenAuthSeed:  0,
	}

	return b.call("AITalkAPI_Init", uintptr(unsafe.Pointer(&native)))
}

func (b *Binding) End() engine.Status {
	return b.call("AITalkAPI_End")
}

func (b *Binding) withPath(name, path string) engine.Status {
	encoded := sjis.EncodeCString(path)

	return b.call(name, uintptr(unsafe.Pointer(&encoded[0])))
}

func (b *Binding) ReloadWordDictionary(path string) engine.Status {
	return b.withPath("AITalkAPI_ReloadWordDic", path)
}

func (b *Binding) ReloadPhraseDictionary(path string) engine.Status {
	return b.withPath("AITalkAPI_ReloadPhraseDic", path)
}

func (b *Binding) ReloadSymbolDictionary(path string) engine.Status {
	return b.withPath("AITalkAPI_ReloadSymbolDic", path)
}

func (b *Binding) LoadLanguage(name string) engine.Status {
	return b.withPath("AITalkAPI_LangLoad", name)
}

func (b *Binding) UnloadLanguage() engine.Status {
	return b.call("AITalkAPI_LangClear")
}

func (b *Binding) LoadVoice(name string) engine.Status {
	return b.withPath("AITalkAPI_VoiceLoad", name)
}

func (b *Binding) GetParameters(buf []byte) (uint32, engine.Status) {
	size := uint32(len(buf))

	var ptr uintptr
	if len(buf) > 0 {
		binary.LittleEndian.PutUint32(buf[params.OffsetSize:], size)
		ptr = uintptr(unsafe.Pointer(&buf[0]))
	}

	status := b.call("AITalkAPI_GetParam", ptr, uintptr(unsafe.Pointer(&size)))

	return size, status
}

func (b *Binding) SetParameters(buf []byte, handlers engine.Handlers) engine.Status {
	if len(buf) < params.HeaderSize {
		return engine.StatusInvalidArgument
	}

	b.handlers.Store(&handlers)

	le := binary.LittleEndian
	le.PutUint32(buf[params.OffsetProcTextBuf:], 0)
	le.PutUint32(buf[params.OffsetProcRawBuf:], 0)
	le.PutUint32(buf[params.OffsetProcEventTTS:], 0)

	if handlers.Intermediate != nil {
		le.PutUint32(buf[params.OffsetProcTextBuf:], uint32(b.textCallback))
	}

	if handlers.Waveform != nil {
		le.PutUint32(buf[params.OffsetProcRawBuf:], uint32(b.rawCallback))
		le.PutUint32(buf[params.OffsetProcEventTTS:], uint32(b.eventCallback))
	}

	return b.call("AITalkAPI_SetParam", uintptr(unsafe.Pointer(&buf[0])))
}

func (b *Binding) submit(name string, mode uint32, user uintptr, input []byte) (int32, engine.Status) {
	if len(input) == 0 || input[len(input)-1] != 0 {
		input = append(input, 0)
	}

	var jobID int32

	job := tJobParam{modeInOut: mode, userData: user}

	status := b.call(name,
		uintptr(unsafe.Pointer(&jobID)),
		uintptr(unsafe.Pointer(&job)),
		uintptr(unsafe.Pointer(&input[0])),
	)

	return jobID, status
}

func (b *Binding) SubmitTextToIntermediate(user uintptr, text []byte) (int32, engine.Status) {
	return b.submit("AITalkAPI_TextToKana", modePlainToKana, user, text)
}

func (b *Binding) SubmitIntermediateToWaveform(user uintptr, intermediate []byte) (int32, engine.Status) {
	return b.submit("AITalkAPI_TextToSpeech", modeKanaToWave, user, intermediate)
}

func (b *Binding) DrainIntermediate(jobID int32, buf []byte) (uint32, uint32, engine.Status) {
	var read, position uint32

	status := b.call("AITalkAPI_GetKana",
		uintptr(jobID),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&read)),
		uintptr(unsafe.Pointer(&position)),
	)

	return read, position, status
}

func (b *Binding) DrainWaveform(jobID int32, buf []byte) (uint32, engine.Status) {
	var samples uint32

	status := b.call("AITalkAPI_GetData",
		uintptr(jobID),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)/2),
		uintptr(unsafe.Pointer(&samples)),
	)

	return samples, status
}

func (b *Binding) CloseIntermediate(jobID int32) engine.Status {
	return b.call("AITalkAPI_CloseKana", uintptr(jobID), 0)
}

func (b *Binding) CloseWaveform(jobID int32) engine.Status {
	return b.call("AITalkAPI_CloseSpeech", uintptr(jobID), 0)
}
