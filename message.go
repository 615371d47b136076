package main

const (
	MsgNoFace = "We couldn't find a face in the photo. Please look straight at the camera in good lighting and try again."

	MsgMultipleFaces = "More than one face is in view. Please make sure only the person checking in is in front of the camera."

	MsgDuplicateFace = "This face is already registered under another profile. Each person can only be registered once."

	MsgNotRecognized = "We couldn't recognise you. Please try again or ask an administrator to register your face."

	MsgCooldown = "You have already checked in. Please wait before checking in again."

	MsgCheckedIn = "Check-in recorded. Welcome!"
)
