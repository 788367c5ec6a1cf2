package sing

var Version = "0.1.0"
