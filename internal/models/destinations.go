package models

// Broker destinations. Subscriptions use /topic and /user prefixes, sends
// go to the /app prefix handled by the backend.

func RoomTopic(roomID string) string { return "/topic/room/" + roomID }

func PrivateQueue(userID string) string { return "/user/" + userID + "/queue/dm" }

func RoomSendDestination(roomID string) string { return "/app/chat.room." + roomID }

func PrivateSendDestination(recipientID string) string { return "/app/chat.private." + recipientID }

func ReadReceiptDestination(peerID string) string { return "/app/chat.read." + peerID }
