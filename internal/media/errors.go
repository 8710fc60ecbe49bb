package media

import (
	"errors"
	"io/fs"
	"syscall"
)

var (
	ErrPermissionDenied = errors.New("media access denied")
	ErrDeviceNotFound   = errors.New("media source not found")
	ErrDeviceInUse      = errors.New("media source not readable")
	ErrNotOgg           = errors.New("media source is not an Ogg/Opus stream")
)

// classify maps low-level open/read errors onto the media sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrDeviceNotFound, err)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.ETXTBSY):
		return errors.Join(ErrDeviceInUse, err)
	}
	return err
}

// UserMessage turns a media error into a sentence for the participant.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Access to the media source was denied. Check its permissions."
	case errors.Is(err, ErrDeviceNotFound):
		return "The media source could not be found. Check that it exists."
	case errors.Is(err, ErrDeviceInUse):
		return "The media source could not be read. Another application may be using it."
	case errors.Is(err, ErrNotOgg):
		return "The media file is not an Ogg/Opus stream."
	case err == nil:
		return ""
	}
	return "An unexpected error occurred: " + err.Error()
}
