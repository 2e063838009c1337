package feedback

// Level grades a score against its threshold: high at 1.2x or more, medium
// at or above, low below. For nervousness a high level is the bad case.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

type levelTemplate struct {
	message string
	tips    []string
}

var levelTemplates = [numDimensions]map[Level]levelTemplate{
	Nervousness: {
		LevelHigh: {"You showed signs of nervousness during your responses.", []string{
			"Practice deep breathing exercises before interviews",
			"Prepare thoroughly to build confidence",
			"Use positive self-talk and visualization",
			"Practice with mock interviews to reduce anxiety",
		}},
		LevelMedium: {"There were some moments of nervousness in your speech.", []string{
			"Focus on maintaining steady breathing",
			"Practice your responses to common questions",
			"Use pauses to collect your thoughts",
		}},
		LevelLow: {"You maintained good composure throughout.", []string{
			"Continue practicing to maintain this level of confidence",
			"Build on this foundation for future interviews",
		}},
	},
	Confidence: {
		LevelHigh: {"You demonstrated strong confidence in your responses.", []string{
			"Maintain this confident approach",
			"Use this confidence to engage more with the interviewer",
			"Leverage your confidence to ask thoughtful questions",
		}},
		LevelMedium: {"Your confidence level was adequate but could be improved.", []string{
			"Practice speaking with more conviction",
			"Prepare specific examples to support your points",
			"Work on maintaining eye contact and open body language",
		}},
		LevelLow: {"Your responses lacked confidence and conviction.", []string{
			"Practice your responses until you feel comfortable",
			"Focus on your strengths and achievements",
			"Use power poses before interviews",
			"Record yourself speaking and identify areas for improvement",
		}},
	},
	Fluency: {
		LevelHigh: {"Your speech was very fluent and well-paced.", []string{
			"Maintain this level of fluency",
			"Use this fluency to convey complex ideas clearly",
		}},
		LevelMedium: {"Your speech fluency was generally good with some interruptions.", []string{
			"Practice speaking without filler words",
			"Use pauses instead of 'um' and 'uh'",
			"Slow down slightly to improve clarity",
		}},
		LevelLow: {"Your speech contained frequent interruptions and filler words.", []string{
			"Practice speaking slowly and deliberately",
			"Record yourself and identify filler words",
			"Use structured responses (STAR method)",
			"Practice with a speech coach or mentor",
		}},
	},
	Pace: {
		LevelHigh: {"Your speaking pace was well-controlled and appropriate.", []string{
			"Maintain this balanced speaking pace",
			"Use pace variations to emphasize key points",
		}},
		LevelMedium: {"Your speaking pace was generally good but could be more consistent.", []string{
			"Practice maintaining consistent pace throughout responses",
			"Use pauses strategically to organize thoughts",
			"Avoid rushing through important points",
		}},
		LevelLow: {"Your speaking pace needs improvement, either too fast or inconsistent.", []string{
			"Practice speaking at a measured, consistent pace",
			"Use breathing exercises to control pace",
			"Record yourself and adjust speed accordingly",
			"Practice with a metronome to develop rhythm",
		}},
	},
	Tone: {
		LevelHigh: {"Your tone was engaging and professional throughout.", []string{
			"Maintain this professional and engaging tone",
			"Use tone variations to convey enthusiasm appropriately",
		}},
		LevelMedium: {"Your tone was generally appropriate but could be more engaging.", []string{
			"Practice varying your tone to show enthusiasm",
			"Use vocal inflections to emphasize key points",
			"Work on sounding more enthusiastic about opportunities",
		}},
		LevelLow: {"Your tone was flat or lacked appropriate variation.", []string{
			"Practice speaking with more vocal variety",
			"Use tone to convey enthusiasm and interest",
			"Record yourself and work on vocal expression",
			"Practice reading aloud with different emotions",
		}},
	},
}

const (
	fail = 0
	pass = 1
)

// suggestions is indexed by dimension, category and outcome. Every cell is
// filled, so adding a category without text fails the table test.
var suggestions = [numDimensions][numCategories][2]string{
	Nervousness: {
		General: {
			"Slow your breathing before you answer and let a short pause replace the rush to speak.",
			"You sounded composed. Keep the same preparation routine before each answer.",
		},
		Technical: {
			"Rehearse explaining core technical concepts aloud until they feel routine.",
			"You stayed calm on technical ground. Use that calm to walk through trade-offs step by step.",
		},
		Behavioral: {
			"Prepare three STAR stories in advance so you are not searching for examples under pressure.",
			"You told your story calmly. Keep anchoring answers in concrete examples.",
		},
		Situational: {
			"Take a moment to restate the scenario before answering; it buys time and steadies your voice.",
			"You handled the hypothetical calmly. Keep narrating your reasoning as you go.",
		},
	},
	Confidence: {
		General: {
			"End your sentences with a falling tone and avoid hedging phrases like 'I think maybe'.",
			"Your delivery carried conviction. Keep stating conclusions directly.",
		},
		Technical: {
			"State the answer first, then the reasoning, so expertise comes across clearly.",
			"You sounded sure of your technical answers. Back them with one concrete example.",
		},
		Behavioral: {
			"Own your results: say 'I led' or 'I decided' instead of describing what happened around you.",
			"You spoke about your experience with assurance. Keep quantifying the outcomes.",
		},
		Situational: {
			"Commit to a course of action and explain why, rather than listing options without choosing.",
			"You committed to a clear plan. Keep naming the risks you would watch for.",
		},
	},
	Fluency: {
		General: {
			"Replace filler words with a silent pause and keep sentences short.",
			"Your speech flowed smoothly. Keep structuring answers into clear parts.",
		},
		Technical: {
			"Outline your explanation in two or three steps before you start speaking.",
			"Your technical explanation flowed well. Keep signposting each step.",
		},
		Behavioral: {
			"Practice your stories aloud in STAR order so the sequence comes without hesitation.",
			"Your story was easy to follow. Keep the situation brief and the result specific.",
		},
		Situational: {
			"Use a simple frame such as 'first, then, finally' to keep your reasoning moving.",
			"Your reasoning was delivered fluently. Keep the same clear structure.",
		},
	},
	Pace: {
		General: {
			"Aim for a steady pace and pause briefly after key points.",
			"Your pace was well balanced. Keep using pauses for emphasis.",
		},
		Technical: {
			"Slow down on the technical details so the listener can follow each step.",
			"Your pace suited the technical content. Keep pausing before the key insight.",
		},
		Behavioral: {
			"Tell your story at a measured pace and pause before describing the result.",
			"Your storytelling pace was comfortable. Keep lingering on the outcome.",
		},
		Situational: {
			"Do not rush to a conclusion; pace your reasoning so each step lands.",
			"Your pace gave your reasoning room. Keep the same rhythm.",
		},
	},
	Tone: {
		General: {
			"Vary your pitch to show interest and stress the words that matter.",
			"Your tone was engaging. Keep matching it to the content.",
		},
		Technical: {
			"Let enthusiasm for the problem come through; lift your voice on the interesting parts.",
			"Your tone conveyed genuine interest in the technical problem.",
		},
		Behavioral: {
			"Add warmth to your voice when describing people and outcomes.",
			"Your tone made the story engaging. Keep the same warmth.",
		},
		Situational: {
			"Sound curious about the scenario; an energetic tone signals problem-solving drive.",
			"Your tone showed enthusiasm for solving the problem.",
		},
	},
}

// insights add context for the question category.
var insights = [numCategories]map[Dimension]string{
	General: nil,
	Technical: {
		Nervousness: "Technical questions often cause nervousness. Practice common technical concepts.",
		Confidence:  "Confidence in technical responses shows expertise and preparation.",
		Fluency:     "Clear, fluent technical explanations demonstrate deep understanding.",
	},
	Behavioral: {
		Nervousness: "Behavioral questions require storytelling. Practice your STAR responses.",
		Confidence:  "Confidence in behavioral responses shows self-awareness and growth.",
		Fluency:     "Fluent behavioral responses indicate well-prepared examples.",
	},
	Situational: {
		Nervousness: "Situational questions test problem-solving under pressure.",
		Confidence:  "Confident situational responses show analytical thinking.",
		Fluency:     "Clear situational responses demonstrate structured thinking.",
	},
}

type recommendation struct {
	dim  Dimension
	text string
}

// recommendations fire for a category when the dimension fails.
var recommendations = [numCategories][]recommendation{
	Technical: {
		{Nervousness, "Practice technical concepts until you can explain them confidently"},
		{Fluency, "Structure your technical explanations clearly"},
	},
	Behavioral: {
		{Confidence, "Prepare specific examples using the STAR method"},
		{Pace, "Practice telling your stories at a measured pace"},
	},
	Situational: {
		{Nervousness, "Practice thinking through scenarios calmly"},
		{Tone, "Use tone to show enthusiasm for problem-solving"},
	},
}
