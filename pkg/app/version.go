package app

// Version is the discordsync release.
const Version = "0.3.0"
