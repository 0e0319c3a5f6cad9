package models

import (
	_ "github.com/ollama/mmproc/model/models/clip"
)
