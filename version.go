package dtx

// Version is the current version of the dtx library/application.
const Version = "0.3.0"
