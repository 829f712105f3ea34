package metadata

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
)

const replayGainTrackTag = "REPLAYGAIN_TRACK_GAIN"

// ReplayGain reads the track gain embedded in audio, in dB. Supported
// containers are FLAC (vorbis comment) and MP3 (ID3v2 TXXX frame).
func ReplayGain(format string, audio []byte) (float32, bool) {
	if len(audio) == 0 {
		return 0, false
	}

	switch strings.ToLower(format) {
	case "flac":
		return flacReplayGain(audio)
	case "mp3":
		return id3ReplayGain(audio)
	}

	// Sniff when the url carried no usable extension
	switch {
	case bytes.HasPrefix(audio, []byte("fLaC")):
		return flacReplayGain(audio)
	case bytes.HasPrefix(audio, []byte("ID3")):
		return id3ReplayGain(audio)
	}
	return 0, false
}

func flacReplayGain(audio []byte) (float32, bool) {
	f, err := flac.ParseBytes(bytes.NewReader(audio))
	if err != nil {
		return 0, false
	}

	for _, block := range f.Meta {
		if block.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		if err != nil {
			return 0, false
		}
		if values, err := cmt.Get(replayGainTrackTag); err == nil && len(values) > 0 {
			return parseGain(values[0])
		}
	}
	return 0, false
}

func id3ReplayGain(audio []byte) (float32, bool) {
	tag, err := id3v2.ParseReader(bytes.NewReader(audio), id3v2.Options{Parse: true})
	if err != nil {
		return 0, false
	}
	defer tag.Close()

	for _, framer := range tag.GetFrames("TXXX") {
		frame, ok := framer.(id3v2.UserDefinedTextFrame)
		if !ok {
			continue
		}
		if strings.EqualFold(frame.Description, replayGainTrackTag) {
			return parseGain(frame.Value)
		}
	}
	return 0, false
}

// parseGain accepts values such as "-6.20 dB" or "+1.5"
func parseGain(value string) (float32, bool) {
	value = strings.TrimSpace(value)
	value = strings.TrimSuffix(strings.TrimSuffix(value, "dB"), "db")
	value = strings.TrimSpace(value)

	gain, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return 0, false
	}
	return float32(gain), true
}
