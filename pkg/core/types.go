package core

// TempPattern is the os.CreateTemp pattern for every staging file the engine writes.
// The sweeper relies on it to recognise orphans.
const TempPattern = "rc-tmp-*"

// TempPrefix is the literal prefix of TempPattern.
const TempPrefix = "rc-tmp-"
