package game

import "math"

// LevelForXP maps accumulated experience to a character level. 0-99 xp is
// level 1, 100-399 level 2, 400-899 level 3, and so on.
func LevelForXP(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return int(math.Sqrt(float64(xp)/100)) + 1
}
