package db

var NewTestQueryLogger = newQueryLogger
