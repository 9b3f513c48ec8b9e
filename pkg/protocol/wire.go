package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Server → client prefixes and markers
const (
	PrefixUsersList = "USERS_LIST:"
	PrefixFileRec   = "FILE_REC:"
	PrefixSystem    = "SYSTEM:"

	HistoryStartMarker = PrefixSystem + "START_HISTORY"
	HistoryEndMarker   = PrefixSystem + "END_HISTORY"

	// TimeLayout is the HH:MM stamp on delivered text messages
	TimeLayout = "15:04"
)

// FormatText encodes a delivered text message: "<HH:MM> <sender>: <text>\n"
func FormatText(sender, text string, at time.Time) []byte {
	return []byte(at.Format(TimeLayout) + " " + sender + ": " + text + "\n")
}

// FormatFile encodes a relayed file: "FILE_REC:<sender>:<filename>:<size>:<bytes>"
func FormatFile(sender, filename string, data []byte) []byte {
	header := PrefixFileRec + sender + ":" + filename + ":" + strconv.Itoa(len(data)) + ":"
	out := make([]byte, 0, len(header)+len(data))
	out = append(out, header...)
	return append(out, data...)
}

// EncodeFileUpload encodes a client upload: "FILE:<target>:<filename>:<size>:<bytes>"
func EncodeFileUpload(target, filename string, data []byte) []byte {
	header := FilePrefix + target + ":" + filename + ":" + strconv.Itoa(len(data)) + ":"
	out := make([]byte, 0, len(header)+len(data))
	out = append(out, header...)
	return append(out, data...)
}

// FormatUsersList encodes the presence broadcast
func FormatUsersList(nicknames []string) []byte {
	return []byte(PrefixUsersList + strings.Join(nicknames, ",") + "\n")
}

// FormatNotice encodes a human-readable system notice: "SYSTEM: <text>\n"
func FormatNotice(text string) []byte {
	return []byte(PrefixSystem + " " + text + "\n")
}

// FormatMarker encodes a bare system marker such as HistoryStartMarker
func FormatMarker(marker string) []byte {
	return []byte(marker + "\n")
}

// FormatAction encodes a /me broadcast: "* <nickname> <text>\n"
func FormatAction(nickname, text string) []byte {
	return []byte("* " + nickname + " " + text + "\n")
}

// FormatUptime renders a duration as "<H>h <M>m <S>s"
func FormatUptime(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%dh %dm %ds", total/3600, (total%3600)/60, total%60)
}
