package main

/*
#include <stdlib.h>

// Callback function types for the UI shell
typedef void (*StateCallback)(char* stateJson);
typedef void (*AlertCallback)(char* message);

static inline void call_state_callback(StateCallback cb, char* stateJson) {
	if (cb != NULL) {
		cb(stateJson);
	}
}

static inline void call_alert_callback(AlertCallback cb, char* message) {
	if (cb != NULL) {
		cb(message);
	}
}
*/
import "C"
import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/hachimi/hachimi-core/internal/playback"
)

// Global state for the library
var (
	app *core
	mu  sync.RWMutex

	// Callbacks
	stateCb    C.StateCallback
	alertCb    C.AlertCallback
	callbackMu sync.RWMutex
)

// notify forwards a broadcast message to the registered C callback
func notify(m *playback.Message) {
	callbackMu.RLock()
	scb, acb := stateCb, alertCb
	callbackMu.RUnlock()

	switch m.Type {
	case playback.MessageState:
		if scb == nil {
			return
		}
		data, err := m.JSON()
		if err != nil {
			return
		}
		cState := C.CString(string(data))
		defer C.free(unsafe.Pointer(cState))
		C.call_state_callback(scb, cState)
	case playback.MessageAlert:
		if acb == nil {
			return
		}
		cMsg := C.CString(m.Alert)
		defer C.free(unsafe.Pointer(cMsg))
		C.call_alert_callback(acb, cMsg)
	}
}

// current returns the running core, or nil before InitializeCore
func current() *core {
	mu.RLock()
	defer mu.RUnlock()
	return app
}

//export InitializeCore
func InitializeCore(configPath *C.char) (code C.int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "[PANIC] InitializeCore panicked: %v\n%s\n", r, debug.Stack())
			code = codePlayer
		}
	}()

	mu.Lock()
	defer mu.Unlock()

	if app != nil {
		// already initialized; call ShutdownCore first to reinitialize
		return codeOK
	}

	c, err := newCore(C.GoString(configPath), coreOptions{Notify: notify})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] Failed to initialize core: %v\n", err)
		var ie *initError
		if errors.As(err, &ie) {
			return C.int(ie.code)
		}
		return codePlayer
	}

	app = c
	return codeOK
}

//export ShutdownCore
func ShutdownCore() {
	mu.Lock()
	defer mu.Unlock()

	if app == nil {
		fmt.Fprintf(os.Stderr, "[WARN] Shutdown called but core not initialized\n")
		return
	}
	app.close()
	app = nil
}

//export SetStateCallback
func SetStateCallback(callback C.StateCallback) {
	callbackMu.Lock()
	stateCb = callback
	callbackMu.Unlock()
}

//export SetAlertCallback
func SetAlertCallback(callback C.AlertCallback) {
	callbackMu.Lock()
	alertCb = callback
	callbackMu.Unlock()
}

//export FreeString
func FreeString(str *C.char) {
	C.free(unsafe.Pointer(str))
}

// Required for c-shared compilation
func main() {}

//export PlaySongInQueue
func PlaySongInQueue(id C.ulonglong, instantPlay C.int) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.PlaySongInQueue(uint64(id), instantPlay != 0, c.fade())
	return codeOK
}

//export PlayNext
func PlayNext() C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.Next(c.fade())
	return codeOK
}

//export PlayPrevious
func PlayPrevious() C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.Previous(c.fade())
	return codeOK
}

//export InsertToQueue
func InsertToQueue(itemJSON *C.char, instantPlay C.int, toTail C.int) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	if err := c.insertJSON([]byte(C.GoString(itemJSON)), instantPlay != 0, toTail != 0); err != nil {
		c.logger.Warn("rejected queue item", zap.Error(err))
		return codeInvalidInput
	}
	return codeOK
}

//export InsertToQueueByDisplayID
func InsertToQueueByDisplayID(displayID *C.char, instantPlay C.int, toTail C.int) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.InsertToQueueWithFetch(C.GoString(displayID), instantPlay != 0, toTail != 0)
	return codeOK
}

//export RemoveFromQueue
func RemoveFromQueue(id C.ulonglong) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.RemoveFromQueue(uint64(id))
	return codeOK
}

//export ReplaceQueue
func ReplaceQueue(queueJSON *C.char) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	if err := c.replaceJSON([]byte(C.GoString(queueJSON))); err != nil {
		c.logger.Warn("rejected queue", zap.Error(err))
		return codeInvalidInput
	}
	return codeOK
}

//export ClearQueue
func ClearQueue() C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.ClearQueue()
	return codeOK
}

//export PlayOrPause
func PlayOrPause() C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.PlayOrPause()
	return codeOK
}

//export SeekTo
func SeekTo(ms C.longlong) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.Seek(int64(ms))
	return codeOK
}

//export SetSongProgress
func SetSongProgress(fraction C.double) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.SetSongProgress(float64(fraction))
	return codeOK
}

//export SetVolume
func SetVolume(volume C.float) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.UpdateVolume(float32(volume))
	return codeOK
}

//export SetShuffleMode
func SetShuffleMode(enabled C.int) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.SetShuffleMode(enabled != 0)
	return codeOK
}

//export SetRepeatMode
func SetRepeatMode(enabled C.int) C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	c.service.SetRepeatMode(enabled != 0)
	return codeOK
}

//export GetPlayerState
func GetPlayerState() *C.char {
	c := current()
	if c == nil {
		return C.CString(`{"error": "not initialized"}`)
	}
	data, err := c.stateJSON()
	if err != nil {
		return C.CString(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	return C.CString(string(data))
}

//export GetQueue
func GetQueue() *C.char {
	c := current()
	if c == nil {
		return C.CString(`{"error": "not initialized"}`)
	}
	data, err := c.queueJSON()
	if err != nil {
		return C.CString(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	return C.CString(string(data))
}

//export GetHealth
func GetHealth() *C.char {
	c := current()
	if c == nil {
		return C.CString(`{"status": "unhealthy", "error": "not initialized"}`)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := c.healthJSON(ctx)
	if err != nil {
		return C.CString(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	return C.CString(string(data))
}

//export TrimCache
func TrimCache() C.int {
	c := current()
	if c == nil {
		return codeNotInitialized
	}
	if _, err := c.TrimCache(context.Background()); err != nil {
		c.logger.Warn("failed to trim song cache", zap.Error(err))
		return codeDatabase
	}
	return codeOK
}

//export GetVersion
func GetVersion() *C.char {
	return C.CString(version)
}
