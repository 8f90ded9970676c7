package domain

// Broadcast room names used by the signaling hub.

func MediaRoomChannel(id RoomID) string {
	return "room:" + string(id)
}

func CallRoomChannel(id CallID) string {
	return "call:" + string(id)
}

func VoiceRoomChannel(id ChannelID) string {
	return "voice:" + string(id)
}

// TextRoomChannel is where typing notices for a text channel fan out.
func TextRoomChannel(id ChannelID) string {
	return "channel:" + string(id)
}
